package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/jobconnect/connector"
	"github.com/teranos/jobconnect/dispatch"
	"github.com/teranos/jobconnect/errors"
	"github.com/teranos/jobconnect/logger"
)

// jobLine is one line of run output.
type jobLine struct {
	JobID     string               `json:"job_id"`
	Result    *connector.JobResult `json:"result,omitempty"`
	Error     string               `json:"error,omitempty"`
	ErrorCode string               `json:"error_code,omitempty"`
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dispatch JSON job lines from stdin",
		Long: `Read one JSON job per line ({"id", "type", "payload"}) from stdin, dispatch
each to the first connector that accepts its type, and print one JSON result
line per job. Jobs without an id get a random one.

On SIGINT or SIGTERM reading stops, in-flight jobs get --grace to finish,
then remaining jobs are cancelled and connectors are closed.`,
		RunE: runRun,
	}
	cmd.Flags().Int("concurrency", 8, "Maximum jobs dispatched at once")
	cmd.Flags().Duration("grace", 30*time.Second, "Time in-flight jobs get to finish on shutdown")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	grace, _ := cmd.Flags().GetDuration("grace")

	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	log := rt.logger.Named("run")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.dispatcher.InitializeAll(ctx); err != nil {
		log.Warnw("Some connectors are offline", logger.FieldError, err.Error())
	}

	var health atomic.Value // map[string]bool
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	monitor := dispatch.NewHealthMonitor(rt.dispatcher, time.Duration(cfg.Health.IntervalSeconds)*time.Second,
		func(r map[string]bool) { health.Store(r) })
	go monitor.Run(monitorCtx)

	var srv *http.Server
	if cfg.Metrics.Enabled {
		srv = &http.Server{Addr: cfg.Metrics.Addr, Handler: opsMux(rt, &health), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Infow("Serving metrics", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("Metrics server failed", logger.FieldError, err.Error())
			}
		}()
	}

	started := time.Now()
	n, err := dispatchLines(ctx, rt.dispatcher, cmd.InOrStdin(), cmd.OutOrStdout(), concurrency, grace, log)
	log.Infow("Input finished", logger.FieldCount, n, logger.FieldElapsed, time.Since(started))

	stopMonitor()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	if cerr := rt.Close(shutdownCtx); cerr != nil {
		log.Warnw("Cleanup incomplete", logger.FieldError, cerr.Error())
	}
	return err
}

// dispatchLines dispatches every job line from in until EOF or ctx ends,
// writing one result line per job to out. Jobs run detached from ctx so a
// shutdown gives them up to grace to finish before they are cancelled.
func dispatchLines(ctx context.Context, d *dispatch.Dispatcher, in io.Reader, out io.Writer, concurrency int, grace time.Duration, log *zap.SugaredLogger) (int, error) {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 8<<20)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	var (
		mu  sync.Mutex
		enc = json.NewEncoder(out)
	)
	emit := func(l jobLine) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(l); err != nil {
			log.Warnw("Failed to write result", logger.FieldJobID, l.JobID, logger.FieldError, err.Error())
		}
	}

	if concurrency <= 0 {
		concurrency = 1
	}
	jobsCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()
	var g errgroup.Group
	g.SetLimit(concurrency)

	count := 0
loop:
	for {
		select {
		case <-ctx.Done():
			log.Infow("Shutdown requested, no longer reading jobs")
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if len(line) == 0 {
				continue
			}
			var job connector.JobData
			if err := json.Unmarshal(line, &job); err != nil {
				emit(jobLine{Error: "invalid job line: " + err.Error(), ErrorCode: "invalid_input"})
				continue
			}
			if job.ID == "" {
				job.ID = uuid.NewString()
			}
			count++
			g.Go(func() error {
				res, err := d.Dispatch(jobsCtx, job, func(e connector.ProgressEvent) {
					log.Debugw("Progress",
						logger.FieldJobID, e.JobID,
						logger.FieldProgress, e.Progress,
						"message", e.Message,
					)
				})
				if err != nil {
					emit(jobLine{JobID: job.ID, Error: err.Error(), ErrorCode: errors.Code(err)})
					return nil
				}
				emit(jobLine{JobID: job.ID, Result: &res})
				return nil
			})
		}
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	if ctx.Err() != nil {
		select {
		case <-done:
		case <-time.After(grace):
			log.Warnw("Grace period over, cancelling in-flight jobs", "grace", grace)
			cancelJobs()
			<-done
		}
		return count, nil
	}

	<-done
	select {
	case err := <-readErr:
		if err != nil {
			return count, errors.Wrap(err, "failed to read jobs")
		}
	default:
	}
	return count, nil
}

// opsMux serves /metrics and /healthz.
func opsMux(rt *runtime, health *atomic.Value) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		results, _ := health.Load().(map[string]bool)
		status := http.StatusOK
		if results == nil {
			status = http.StatusServiceUnavailable
		}
		for _, ok := range results {
			if !ok {
				status = http.StatusServiceUnavailable
			}
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"connectors": results})
	})
	return mux
}
