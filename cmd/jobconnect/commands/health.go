package commands

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/jobconnect/connector"
	"github.com/teranos/jobconnect/errors"
	"github.com/teranos/jobconnect/logger"
)

type healthReport struct {
	Healthy bool           `json:"healthy"`
	Info    connector.Info `json:"info"`
}

func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check every configured connector",
		Long: `Initialize every connector, run one health check against each backend and
print the results. Exits non-zero when any connector is unhealthy.`,
		RunE: runHealth,
	}
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	cmd.Flags().Duration("timeout", 30*time.Second, "Overall time limit for the checks")
	return cmd
}

func runHealth(cmd *cobra.Command, args []string) error {
	useJSON, _ := cmd.Flags().GetBool("json")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	defer func() {
		if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Logger.Debugw("Cleanup incomplete", logger.FieldError, err.Error())
		}
	}()

	_ = rt.dispatcher.InitializeAll(ctx)
	results := rt.dispatcher.CheckAll(ctx)

	var unhealthy []string
	reports := make([]healthReport, 0, len(results))
	for _, id := range rt.dispatcher.Registry().IDs() {
		c, _ := rt.dispatcher.Registry().Get(id)
		reports = append(reports, healthReport{Healthy: results[id], Info: c.Info()})
		if !results[id] {
			unhealthy = append(unhealthy, id)
		}
	}

	if useJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			return errors.Wrap(err, "failed to encode health report")
		}
	} else {
		data := pterm.TableData{{"Connector", "Transport", "Service", "Status", "Healthy", "Last error"}}
		for _, r := range reports {
			data = append(data, []string{
				r.Info.ID,
				r.Info.Transport,
				r.Info.ServiceType,
				string(r.Info.Status),
				strconv.FormatBool(r.Healthy),
				r.Info.LastError,
			})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithWriter(cmd.OutOrStdout()).WithData(data).Render(); err != nil {
			return errors.Wrap(err, "failed to render table")
		}
	}

	if len(unhealthy) > 0 {
		return errors.Connectionf("%d of %d connectors unhealthy: %v", len(unhealthy), len(reports), unhealthy)
	}
	if !useJSON {
		pterm.Success.Printf("All %d connectors healthy\n", len(reports))
	}
	return nil
}
