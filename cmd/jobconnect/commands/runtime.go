package commands

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/jobconnect/am"
	"github.com/teranos/jobconnect/dispatch"
	"github.com/teranos/jobconnect/errors"
	"github.com/teranos/jobconnect/ledger"
	"github.com/teranos/jobconnect/logger"
	"github.com/teranos/jobconnect/metrics"
)

// runtime is the wired set of components a command works with.
type runtime struct {
	cfg        *am.Config
	logger     *zap.SugaredLogger
	metrics    *metrics.Metrics
	ledger     *ledger.Ledger
	dispatcher *dispatch.Dispatcher
}

// newRuntime builds connectors, and the ledger and metrics when enabled.
// Connectors are not initialized.
func newRuntime(cfg *am.Config) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger.Logger}

	if cfg.Metrics.Enabled {
		rt.metrics = metrics.New()
	}

	reg, err := dispatch.Build(cfg, dispatch.Deps{Logger: rt.logger, Metrics: rt.metrics})
	if err != nil {
		return nil, err
	}
	if reg.Len() == 0 {
		return nil, errors.WithHint(
			errors.Configurationf("no connectors configured"),
			"add a [connectors.<id>] table to jobconnect.toml",
		)
	}

	opts := []dispatch.Option{dispatch.WithLogger(rt.logger), dispatch.WithMetrics(rt.metrics)}
	if cfg.Ledger.Enabled {
		rt.ledger, err = ledger.Open(cfg.Ledger.Path, rt.logger)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open ledger")
		}
		opts = append(opts, dispatch.WithRecorder(rt.ledger))
	}

	rt.dispatcher = dispatch.New(reg, opts...)
	return rt, nil
}

// Close cancels active jobs, closes every connector and the ledger.
func (rt *runtime) Close(ctx context.Context) error {
	err := rt.dispatcher.CleanupAll(ctx)
	if rt.ledger != nil {
		if lerr := rt.ledger.Close(); lerr != nil && err == nil {
			err = lerr
		}
	}
	return err
}
