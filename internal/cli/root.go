package cli

import (
	"log/slog"
	"os"

	"github.com/me/fairq/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking FAIRQ_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("FAIRQ_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the fairq CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fairq",
		Short: "fairq: multi-tenant priority task scheduler",
		Long:  "fairq submits workflows to a fairq server and inspects queues, tenants, breakers and dead letters.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "fairq server URL (or FAIRQ_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newListCmd(),
		newCancelCmd(),
		newDeadLettersCmd(),
		newQueuesCmd(),
		newTenantsCmd(),
		newBreakersCmd(),
	)

	return root
}
