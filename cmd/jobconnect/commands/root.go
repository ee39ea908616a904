// Package commands implements the jobconnect CLI.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/teranos/jobconnect/am"
	"github.com/teranos/jobconnect/errors"
	"github.com/teranos/jobconnect/logger"
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "jobconnect",
		Short: "Dispatch compute jobs to backend services",
		Long: `jobconnect - Uniform job lifecycle for heterogeneous compute backends.

Connectors wrap REST polling backends (ComfyUI, OpenAI-compatible APIs) and
WebSocket backends behind one submit / progress / cancel / result contract.

Configuration sources (in order of precedence):
1. Environment variables (JOBCONNECT_* prefix)
2. Config file (--config, or ./jobconnect.toml found walking up)
3. Default values

Examples:
  jobconnect run < jobs.jsonl            # Dispatch JSON job lines from stdin
  jobconnect submit --type txt2img --payload-file workflow.json
  jobconnect health                      # Check every connector
  jobconnect history --since 24h         # Recent outcomes from the ledger
  jobconnect config show                 # Effective configuration`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			verbosity, _ := cmd.Flags().GetCount("verbose")
			jsonLogs, _ := cmd.Flags().GetBool("json-logs")
			if err := logger.Initialize(jsonLogs, verbosity); err != nil {
				return errors.Wrap(err, "failed to initialize logger")
			}
			return nil
		},
	}

	root.PersistentFlags().String("config", "", "Config file (default: jobconnect.toml in the working directory or a parent)")
	root.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	root.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")

	root.AddCommand(
		newRunCmd(),
		newSubmitCmd(),
		newHealthCmd(),
		newHistoryCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig loads the configuration named by --config. Logging settings
// from the file apply unless the matching flag was given.
func loadConfig(cmd *cobra.Command) (*am.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := am.Load(path)
	if err != nil {
		return nil, err
	}

	verbosity, _ := cmd.Flags().GetCount("verbose")
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")
	if !cmd.Flags().Changed("verbose") {
		verbosity = cfg.Log.Verbosity
	}
	if !cmd.Flags().Changed("json-logs") {
		jsonLogs = cfg.Log.JSON
	}
	if err := logger.Initialize(jsonLogs, verbosity); err != nil {
		return nil, errors.Wrap(err, "failed to initialize logger")
	}
	return cfg, nil
}
