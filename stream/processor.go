// Package stream consumes a lazy, finite sequence of response chunks for one
// job while enforcing backpressure limits (chunk timeout, cumulative size
// cap) and a steady progress cadence.
package stream

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/jobconnect/errors"
)

// Progress bounds while the body of the stream is being consumed.
const (
	InitialProgress = 5
	MaxBodyProgress = 95
	FinalProgress   = 100
)

// Config bounds one stream. Zero values disable the corresponding limit.
type Config struct {
	ChunkTimeout     time.Duration // max gap between chunk arrivals
	MaxResponseSize  int64         // cumulative byte cap
	ProgressInterval int           // report every N items
}

// Validate checks the limits.
func (c Config) Validate() error {
	if c.ChunkTimeout < 0 {
		return errors.Configurationf("chunk_timeout_ms must be >= 0")
	}
	if c.MaxResponseSize < 0 {
		return errors.Configurationf("max_response_size must be >= 0, got %d", c.MaxResponseSize)
	}
	if c.ProgressInterval < 0 {
		return errors.Configurationf("progress_interval must be >= 0, got %d", c.ProgressInterval)
	}
	return nil
}

// Chunk is one unit of a streamed response.
type Chunk struct {
	Event string // SSE event name, if any
	Data  []byte
}

// Size is the number of bytes the chunk counts against MaxResponseSize.
func (c Chunk) Size() int64 { return int64(len(c.Data)) }

// Source yields chunks until it returns io.EOF. Next must honor ctx.
type Source interface {
	Next(ctx context.Context) (Chunk, error)
}

// Stop may be returned by a Handler to end the stream early. The stream is
// then treated as a successful partial completion.
var Stop = errors.New("stop stream")

// Handler processes one chunk. Returning Stop ends the stream successfully;
// any other error fails it.
type Handler func(ctx context.Context, chunk Chunk) error

// Report is a progress notification from the processor.
type Report struct {
	Progress       int
	Message        string
	ItemsProcessed int
	ResponseSize   int64
	Err            error
}

// ProgressFunc receives reports. It is called synchronously from Run.
type ProgressFunc func(Report)

// Result is the outcome of a stream.
type Result struct {
	Success        bool
	Stopped        bool // ended early by the handler
	ItemsProcessed int
	ResponseSize   int64
	Duration       time.Duration
	Err            error
}

// Processor applies a Config to streams. It holds no per-stream state and
// may be shared between concurrent jobs.
type Processor struct {
	cfg    Config
	logger *zap.SugaredLogger
}

// NewProcessor creates a processor.
func NewProcessor(cfg Config, logger *zap.SugaredLogger) *Processor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Processor{cfg: cfg, logger: logger}
}

// Config returns the processor's limits.
func (p *Processor) Config() Config { return p.cfg }

// Run consumes src until end of stream, early stop or failure. It never
// panics; every failure is returned in Result.Err after a 0% report.
func (p *Processor) Run(ctx context.Context, src Source, handle Handler, progress ProgressFunc) Result {
	run := &streamRun{
		cfg:      p.cfg,
		progress: progress,
		logger:   p.logger,
		start:    time.Now(),
	}
	run.last = run.start
	return run.consume(ctx, src, handle)
}

// streamRun carries the counters of a single Run.
type streamRun struct {
	cfg      Config
	progress ProgressFunc
	logger   *zap.SugaredLogger
	start    time.Time

	items int
	size  int64
	last  time.Time // arrival of the previous chunk, or start
}

func (r *streamRun) consume(ctx context.Context, src Source, handle Handler) Result {
	r.report(InitialProgress, "stream started", nil)

	for {
		chunk, err := r.next(ctx, src)
		if err == io.EOF {
			break
		}
		if err != nil {
			return r.fail(err)
		}

		r.items++
		r.size += chunk.Size()

		if r.cfg.MaxResponseSize > 0 && r.size > r.cfg.MaxResponseSize {
			return r.fail(errors.SizeExceededf("response size %d exceeds limit %d after %d items",
				r.size, r.cfg.MaxResponseSize, r.items))
		}

		if err := r.invoke(ctx, handle, chunk); err != nil {
			if errors.Is(err, Stop) {
				r.report(FinalProgress, "stream stopped early", nil)
				return r.result(true, nil)
			}
			return r.fail(err)
		}

		if r.cfg.ProgressInterval > 0 && r.items%r.cfg.ProgressInterval == 0 {
			r.report(Curve(r.items, r.cfg.ProgressInterval), fmt.Sprintf("processed %d items", r.items), nil)
		}
	}

	r.report(FinalProgress, "stream complete", nil)
	return r.result(false, nil)
}

// next reads one chunk. The chunk timeout runs from the previous chunk's
// arrival, so time spent in the handler counts against it.
func (r *streamRun) next(ctx context.Context, src Source) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, r.contextError(err)
	}

	chunkCtx := ctx
	if r.cfg.ChunkTimeout > 0 {
		deadline := r.last.Add(r.cfg.ChunkTimeout)
		if !time.Now().Before(deadline) {
			return Chunk{}, r.chunkTimeout()
		}
		var cancel context.CancelFunc
		chunkCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	chunk, err := src.Next(chunkCtx)
	if err == nil {
		r.last = time.Now()
		return chunk, nil
	}
	if err == io.EOF {
		return chunk, err
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return Chunk{}, r.contextError(ctxErr)
	}
	if chunkCtx.Err() != nil {
		return Chunk{}, r.chunkTimeout()
	}
	return Chunk{}, errors.Wrap(err, "read stream")
}

func (r *streamRun) chunkTimeout() error {
	return errors.Timeoutf("no chunk within %s after %d items (%d bytes)",
		r.cfg.ChunkTimeout, r.items, r.size)
}

func (r *streamRun) contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.WrapTimeout(err, "stream deadline")
	}
	return errors.Mark(errors.Wrap(err, "stream cancelled"), errors.ErrCancelled)
}

func (r *streamRun) invoke(ctx context.Context, handle Handler, chunk Chunk) (err error) {
	if handle == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.AssertionFailedf("chunk handler panicked at item %d: %v", r.items, rec)
		}
	}()
	return handle(ctx, chunk)
}

func (r *streamRun) fail(err error) Result {
	r.logger.Debugw("Stream failed",
		"items", r.items,
		"size", r.size,
		"error", err.Error(),
	)
	r.report(0, err.Error(), err)
	return r.result(false, err)
}

func (r *streamRun) result(stopped bool, err error) Result {
	return Result{
		Success:        err == nil,
		Stopped:        stopped,
		ItemsProcessed: r.items,
		ResponseSize:   r.size,
		Duration:       time.Since(r.start),
		Err:            err,
	}
}

func (r *streamRun) report(progress int, msg string, err error) {
	if r.progress == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warnw("Stream progress callback panicked", "panic", rec)
		}
	}()
	r.progress(Report{
		Progress:       progress,
		Message:        msg,
		ItemsProcessed: r.items,
		ResponseSize:   r.size,
		Err:            err,
	})
}

// Curve maps items processed to a progress value. It rises monotonically
// with items and stays within [InitialProgress, MaxBodyProgress); it passes
// the midpoint when items reaches ten progress intervals.
func Curve(items, interval int) int {
	if items <= 0 {
		return InitialProgress
	}
	if interval <= 0 {
		interval = 1
	}
	span := MaxBodyProgress - InitialProgress
	return InitialProgress + span*items/(items+10*interval)
}
