package app

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/polarsar/demprep/geo"
)

var file string

func NewCmdValidate(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate GeoJSON footprint documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doValidate(out)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "File")

	return cmd
}

func doValidate(out io.Writer) error {
	if file == "" {
		return errors.New("parameter empty")
	}
	data, err := readFootprint(file)
	if err != nil {
		return err
	}
	if err := geo.ValidateFootprint(data); err != nil {
		if verr, ok := err.(geo.ValidationError); ok {
			fmt.Fprintln(out, "The footprint is invalid!")
			for _, issue := range verr.Issues {
				fmt.Fprintln(out, issue)
			}
		}
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
	if fp.SceneName != "" {
		fmt.Fprintln(out, "Scene:", fp.SceneName)
	}
	_, err = fmt.Fprintln(out, "Footprint is valid:", bounds)
	return err
}
