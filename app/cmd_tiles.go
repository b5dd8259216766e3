package app

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/polarsar/demprep/geo"
	"github.com/polarsar/demprep/s3"
	"github.com/polarsar/demprep/tiles"
)

type tilesOptions struct {
	footprint string
	check     bool
}

func NewCmdTiles(out io.Writer, logger logrus.FieldLogger, config *Config) *cobra.Command {
	opts := &tilesOptions{}
	cmd := &cobra.Command{
		Use:   "tiles",
		Short: "List the DEM tiles covering a footprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			var store s3.ObjectStorage
			if opts.check {
				var err error
				if store, err = tileStorage(logger, config); err != nil {
					return err
				}
			}
			return doTiles(context.Background(), out, config, store, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.footprint, "footprint", "f", "", "GeoJSON footprint file (\"-\" reads stdin)")
	cmd.Flags().BoolVar(&opts.check, "check", false, "Check which tiles exist in the bucket")

	return cmd
}

// doTiles prints the corrected box and the tiles it needs. store is only
// used when opts.check is set.
func doTiles(ctx context.Context, out io.Writer, config *Config, store s3.ObjectStorage, opts *tilesOptions) error {
	data, err := readFootprint(opts.footprint)
	if err != nil {
		return err
	}
	fp, err := geo.ParseFootprint(data)
	if err != nil {
		return err
	}
	bounds, err := fp.Bounds()
	if err != nil {
		return err
	}
	corrector, err := geo.NewCorrector(config.Polar, geo.GDALTransformer{})
	if err != nil {
		return err
	}
	corrected, err := corrector.Correct(bounds)
	if err != nil {
		return err
	}
	naming := config.Naming()
	ids, err := tiles.Locate(corrected, naming.Margin())
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Bounds:    %s\n", bounds)
	if corrected != bounds {
		fmt.Fprintf(out, "Corrected: %s\n", corrected)
	}
	for _, id := range ids {
		uri := s3.JoinURI(config.DEM.BucketURI, naming.Key(id))
		if store == nil || !opts.check {
			fmt.Fprintf(out, "%s %s\n", id, uri)
			continue
		}
		state := "absent"
		ok, err := store.Exists(ctx, uri)
		switch {
		case err != nil:
			state = "unknown (" + err.Error() + ")"
		case ok:
			state = "present"
		}
		fmt.Fprintf(out, "%s %s %s\n", id, uri, state)
	}
	return nil
}
