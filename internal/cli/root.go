package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/me/gpusched/internal/config"
	"github.com/me/gpusched/internal/logging"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking GPUSCHED_SERVER first.
func defaultServer() string {
	return config.GetEnv("GPUSCHED_SERVER", "http://127.0.0.1:8090")
}

// NewRootCmd creates the root cobra command for the gpusched CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gpusched",
		Short: "gpusched: GPU-aware inference task scheduler",
		Long:  "gpusched submits, monitors, and cancels inference tasks on a running gpusched daemon.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "gpusched server URL (or GPUSCHED_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newTaskCmd(),
		newListCmd(),
		newCancelCmd(),
		newRouteCmd(),
		newWatchCmd(),
	)

	return root
}
