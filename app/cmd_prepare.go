package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/polarsar/demprep/adapter"
	"github.com/polarsar/demprep/pipeline"
)

type prepareOptions struct {
	footprint  string
	sceneID    string
	scenePath  string
	orbitPath  string
	force      bool
	noProgress bool
}

func NewCmdPrepare(out, stderr io.Writer, logger logrus.FieldLogger, config *Config) *cobra.Command {
	opts := &prepareOptions{}
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Prepare the DEM of a scene footprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doPrepare(out, stderr, logger, config, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.footprint, "footprint", "f", "", "GeoJSON footprint file (\"-\" reads stdin)")
	cmd.Flags().StringVar(&opts.sceneID, "scene-id", "", "Scene identifier (defaults to the footprint scene name)")
	cmd.Flags().StringVar(&opts.scenePath, "scene", "", "Scene file handed to the processor")
	cmd.Flags().StringVar(&opts.orbitPath, "orbit", "", "Orbit file handed to the processor")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Rebuild the DEM even if it exists")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Do not show download progress")

	return cmd
}

func doPrepare(out, stderr io.Writer, logger logrus.FieldLogger, config *Config, opts *prepareOptions) error {
	data, err := readFootprint(opts.footprint)
	if err != nil {
		return err
	}

	progress := stderr
	if opts.noProgress {
		progress = nil
	}
	svc, err := newServices(logger, config, nil, progress)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := svc.adapter.Prepare(ctx, adapter.Scene{
		SceneID:   opts.sceneID,
		Footprint: data,
		ScenePath: opts.scenePath,
		OrbitPath: opts.orbitPath,
		Force:     opts.force,
	})
	if report != nil {
		printReport(out, report)
	}
	return err
}

func readFootprint(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("footprint file is required")
	}
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	return data, errors.Wrap(err, "cannot read footprint")
}

func printReport(out io.Writer, r *pipeline.Report) {
	fmt.Fprintf(out, "Scene:     %s\n", r.SceneID)
	if r.Skipped {
		fmt.Fprintf(out, "DEM:       %s (reused)\n", r.Output)
		return
	}
	fmt.Fprintf(out, "Run:       %s\n", r.RunID)
	fmt.Fprintf(out, "Bounds:    %s\n", r.Original)
	if r.Corrected != r.Original {
		fmt.Fprintf(out, "Corrected: %s\n", r.Corrected)
	}
	fmt.Fprintf(out, "Tiles:     %d\n", len(r.Tiles))
	for _, t := range r.Tiles {
		fmt.Fprintf(out, "  %s %s\n", t.ID, t.Status)
	}
	if !r.Padding.IsZero() {
		fmt.Fprintf(out, "Padding:   %+v\n", r.Padding)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(out, "Warning:   %s\n", w)
	}
	if r.Err != nil {
		fmt.Fprintf(out, "Failed:    %v\n", r.Err)
		return
	}
	fmt.Fprintf(out, "DEM:       %s\n", r.Output)
}
