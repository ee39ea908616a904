package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/jobconnect/connector"
	"github.com/teranos/jobconnect/errors"
	"github.com/teranos/jobconnect/logger"
)

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one job and wait for its result",
		Long: `Submit a single job to the first connector that accepts its type, show
progress while it runs, and print the result.

Interrupting with Ctrl+C cancels the job on the backend where supported.

Examples:
  jobconnect submit --type chat --payload '{"prompt":"hello"}'
  jobconnect submit --type txt2img --payload-file workflow.json --json`,
		RunE: runSubmit,
	}
	cmd.Flags().String("type", "", "Job type (required)")
	cmd.Flags().String("payload", "", "Job payload as a JSON object")
	cmd.Flags().String("payload-file", "", "Read the job payload from a JSON file")
	cmd.Flags().String("id", "", "Job id (default: random UUID)")
	cmd.Flags().BoolP("json", "j", false, "Print the result as JSON")
	_ = cmd.MarkFlagRequired("type")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")
	return cmd
}

func runSubmit(cmd *cobra.Command, args []string) error {
	job, err := jobFromFlags(cmd)
	if err != nil {
		return err
	}
	useJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(cleanupCtx); err != nil {
			logger.Logger.Warnw("Cleanup incomplete", logger.FieldError, err.Error())
		}
	}()

	if err := rt.dispatcher.InitializeAll(ctx); err != nil {
		logger.Logger.Warnw("Some connectors are offline", logger.FieldError, err.Error())
	}

	var spinner *pterm.SpinnerPrinter
	if !useJSON {
		spinner, _ = pterm.DefaultSpinner.Start(fmt.Sprintf("Submitting %s job %s...", job.Type, job.ID))
	}
	onProgress := func(e connector.ProgressEvent) {
		if spinner == nil {
			return
		}
		text := fmt.Sprintf("[%3d%%] %s", e.Progress, job.ID)
		if e.Message != "" {
			text += " " + e.Message
		}
		spinner.UpdateText(text)
	}

	// Dispatch on a context detached from the signal so an interrupt goes
	// through Cancel and the backend hears about it.
	jobCtx, cancelJob := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJob()
	go func() {
		select {
		case <-ctx.Done():
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := rt.dispatcher.Cancel(cctx, job.ID); err != nil {
				cancelJob()
			}
		case <-jobCtx.Done():
		}
	}()

	res, err := rt.dispatcher.Dispatch(jobCtx, job, onProgress)
	cancelJob()
	if err != nil {
		if spinner != nil {
			spinner.Fail(fmt.Sprintf("Job %s rejected: %v", job.ID, err))
		}
		return err
	}

	if useJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(jobLine{JobID: job.ID, Result: &res}); err != nil {
			return errors.Wrap(err, "failed to encode result")
		}
	} else {
		printResult(spinner, job.ID, res)
	}

	if !res.Success {
		return res.Err
	}
	return nil
}

func printResult(spinner *pterm.SpinnerPrinter, id string, res connector.JobResult) {
	elapsed := time.Duration(res.ProcessingTimeMs) * time.Millisecond
	switch {
	case spinner == nil && res.Success:
		pterm.Success.Printf("Job %s completed in %s\n", id, elapsed)
	case spinner == nil:
		pterm.Error.Printf("Job %s failed after %s: %s\n", id, elapsed, res.Error)
	case res.Success:
		spinner.Success(fmt.Sprintf("Job %s completed in %s", id, elapsed))
	default:
		spinner.Fail(fmt.Sprintf("Job %s failed after %s: %s", id, elapsed, res.Error))
	}

	if c, ok := res.Metadata[connector.MetaConnectorID]; ok {
		pterm.Info.Printf("Connector: %v\n", c)
	}
	if remote, ok := res.Metadata[connector.MetaRemoteJobID]; ok {
		pterm.Info.Printf("Remote job: %v\n", remote)
	}
	if len(res.Data) > 0 {
		out, err := json.MarshalIndent(res.Data, "", "  ")
		if err == nil {
			pterm.Println(string(out))
		}
	}
}

// jobFromFlags assembles the job from --type, --id and the payload flags.
func jobFromFlags(cmd *cobra.Command) (connector.JobData, error) {
	jobType, _ := cmd.Flags().GetString("type")
	id, _ := cmd.Flags().GetString("id")
	raw, _ := cmd.Flags().GetString("payload")
	file, _ := cmd.Flags().GetString("payload-file")

	if id == "" {
		id = uuid.NewString()
	}
	job := connector.JobData{ID: id, Type: jobType}

	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return job, errors.Wrapf(err, "failed to read payload file %s", file)
		}
		raw = string(b)
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
			return job, errors.WithHint(
				errors.Wrap(err, "payload is not a JSON object"),
				`pass an object such as '{"prompt":"hello"}'`,
			)
		}
	}
	return job, nil
}
