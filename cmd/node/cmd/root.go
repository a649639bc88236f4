// Package cmd implements the node command line: cobra subcommands bound
// to pkg/config's viper resolution of spec.md §6.2's environment.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"clusterstore.io/core/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:   "node",
	Short: "run a clusterstore cluster member",
}

var configViper *viper.Viper

func init() {
	configViper = config.NewViper()
	if err := config.BindFlags(rootCmd, configViper); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
