// Package cmd assembles the condadocker CLI: a cobra root command plus
// the single "build" subcommand. This package only shapes flags into a
// config.BuildConfig and hands off to pkg/builder.
package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var verbose bool

// NewRoot returns the condadocker root command with the build subcommand
// registered.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "condadocker",
		Short:         "Build a container image containing an installed package environment",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.AddCommand(newBuildCmd())
	return root
}
