package app

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func NewCmdConfig(out io.Writer, config *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doConfig(out, config)
		},
	}
}

func doConfig(out io.Writer, config *Config) error {
	source := "built-in defaults and environment"
	if used := config.v.ConfigFileUsed(); used != "" {
		source = used
	}
	fmt.Fprintf(out, "# Effective configuration (%s)\n\n", source)
	_, err := fmt.Fprintf(out, "%s", config)
	return err
}
