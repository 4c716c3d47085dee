package cli

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/config"
	"github.com/oipwg/oipd/events"
)

// listenPattern holds the --pattern flag: an AMQP topic pattern over the
// routing keys (record.indexed, record.deleted, template.registered).
var listenPattern string

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "follow the node's event stream",
	Long: `listen binds a throwaway queue to the node's event exchange and prints
every matching event as a JSON line. Useful for watching what a node indexes
without polling the API.`,
	RunE: runListen,
}

func init() {
	listenCmd.Flags().StringVar(&listenPattern, "pattern", "#", "routing key pattern, e.g. record.* or template.registered")
}

func runListen(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithFlags("OIPD", cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	common.ConfigureLogger(cfg.Logging.Level, cfg.Logging.Format)
	if cfg.AMQP.URL == "" {
		return common.Failf(common.FailureResource, "no AMQP broker configured (set amqp.url or OIPD_AMQP_URL)")
	}

	listener, err := events.NewListener(cfg.AMQP, listenPattern)
	if err != nil {
		return err
	}
	defer listener.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := json.NewEncoder(cmd.OutOrStdout())
	err = listener.Run(ctx, func(e events.Event) {
		if encErr := out.Encode(e); encErr != nil {
			cmd.PrintErrln("encode event:", encErr)
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
