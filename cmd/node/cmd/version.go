package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set by -ldflags at release build time; it stays "dev" for
// local builds.
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the node binary version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(version)
		return nil
	},
}
