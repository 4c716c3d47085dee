package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oipwg/oipd/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.GetBuildInfo()
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", info.MainModule, info.MainVersion, info.GoVersion)
		for _, path := range []string{
			"github.com/elastic/go-elasticsearch/v8",
			"github.com/labstack/echo/v4",
			"go.etcd.io/bbolt",
		} {
			if dep := version.GetDependency(path); dep != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s %s\n", dep.Path, dep.Version)
			}
		}
	},
}
