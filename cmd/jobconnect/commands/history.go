package commands

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/jobconnect/errors"
	"github.com/teranos/jobconnect/ledger"
	"github.com/teranos/jobconnect/logger"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded job outcomes",
		Long: `Summarize the outcome ledger: success rate, average processing time and
failures by error code since --since, followed by the most recent outcomes.`,
		RunE: runHistory,
	}
	cmd.Flags().Duration("since", 24*time.Hour, "Summarize outcomes newer than this")
	cmd.Flags().Int("limit", 20, "Number of recent outcomes to list")
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")
	useJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.Ledger.Enabled {
		return errors.WithHint(
			errors.Configurationf("ledger is disabled"),
			"set ledger.enabled = true in jobconnect.toml",
		)
	}

	l, err := ledger.Open(cfg.Ledger.Path, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to open ledger")
	}
	defer l.Close()

	ctx := cmd.Context()
	stats, err := l.Stats(ctx, time.Now().Add(-since))
	if err != nil {
		return err
	}
	recent, err := l.Recent(ctx, limit)
	if err != nil {
		return err
	}

	if useJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"stats": stats, "recent": recent})
	}

	out := cmd.OutOrStdout()
	pterm.Info.Printf("Last %s: %d jobs, %d succeeded, %d failed (%.1f%%), avg %.0fms\n",
		since, stats.Total, stats.Succeeded, stats.Failed, stats.SuccessRate*100, stats.AvgProcessingMs)

	if len(stats.ByErrorCode) > 0 {
		codes := make([]string, 0, len(stats.ByErrorCode))
		for code := range stats.ByErrorCode {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		for _, code := range codes {
			fmt.Fprintf(out, "  %-16s %d\n", code, stats.ByErrorCode[code])
		}
	}

	if len(recent) == 0 {
		pterm.Info.Println("No outcomes recorded yet")
		return nil
	}

	data := pterm.TableData{{"Finished", "Job", "Type", "Connector", "Result", "Duration"}}
	for _, e := range recent {
		result := "ok"
		if !e.Success {
			result = e.ErrorCode
		}
		data = append(data, []string{
			e.FinishedAt.Local().Format(time.DateTime),
			e.JobID,
			e.JobType,
			e.ConnectorID,
			result,
			strconv.FormatInt(e.ProcessingTimeMs, 10) + "ms",
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithWriter(out).WithData(data).Render(); err != nil {
		return errors.Wrap(err, "failed to render table")
	}
	return nil
}
