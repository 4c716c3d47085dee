// Package cli is the command surface of the node. The root command runs the
// daemon; subcommands follow the event stream and print build information.
// Exit codes are part of the contract: 0 clean, 1 startup failure, 2 index
// corruption, 3 policy violation.
package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/config"
	"github.com/oipwg/oipd/daemon"
)

// cfgFile holds the --config flag. Empty means the loader searches the
// usual locations.
var cfgFile string

var RootCmd = &cobra.Command{
	Use:   "oipd",
	Short: "index daemon for signed records on Arweave and GUN",
	Long: `oipd follows the record streams on Arweave and the configured GUN
peers, verifies every record against its creator's registered key, and
projects the verified ones into Elasticsearch. The same process serves the
query, publish and deletion API over HTTP.

Configuration can be provided via command-line flags, environment variables
(prefix OIPD_), or a YAML configuration file with automatic precedence
handling: flags over environment over file over defaults.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDaemon,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.oipd.yaml)")

	RootCmd.PersistentFlags().String("host", "", "HTTP bind host")
	RootCmd.PersistentFlags().Int("port", 0, "HTTP bind port")
	RootCmd.PersistentFlags().String("es-host", "", "Elasticsearch URL")
	RootCmd.PersistentFlags().StringSlice("gun-peers", nil, "GUN peer whitelist (ws:// or wss:// URLs)")
	RootCmd.PersistentFlags().String("gun-db", "", "GUN graph store path")
	RootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	RootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")

	RootCmd.AddCommand(listenCmd)
	RootCmd.AddCommand(versionCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithFlags("OIPD", cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	common.ConfigureLogger(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

// Execute runs the CLI and maps the error taxonomy onto process exit codes.
func Execute() int {
	err := RootCmd.Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return exitCode(err)
}

func exitCode(err error) int {
	switch common.KindOf(err) {
	case common.FailurePolicy:
		return 3
	case common.FailureDecode:
		return 2
	default:
		return 1
	}
}
