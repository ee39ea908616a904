package dispatch

import (
	"context"
	"time"

	"github.com/teranos/jobconnect/logger"
)

// HealthMonitor periodically checks every connector.
type HealthMonitor struct {
	dispatcher *Dispatcher
	interval   time.Duration
	onCheck    func(map[string]bool)
}

// NewHealthMonitor creates a monitor checking every interval. onCheck, if
// set, receives each round's results.
func NewHealthMonitor(d *Dispatcher, interval time.Duration, onCheck func(map[string]bool)) *HealthMonitor {
	return &HealthMonitor{dispatcher: d, interval: interval, onCheck: onCheck}
}

// Run checks immediately and then on every tick until ctx ends.
func (m *HealthMonitor) Run(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *HealthMonitor) check(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	results := m.dispatcher.CheckAll(checkCtx)
	unhealthy := 0
	for id, ok := range results {
		if !ok {
			unhealthy++
		}
		m.dispatcher.logger.Debugw("Health check result", logger.FieldConnector, id, logger.FieldHealthy, ok)
	}
	if unhealthy > 0 {
		m.dispatcher.logger.Infow("Health check round", logger.FieldCount, len(results), "unhealthy", unhealthy)
	}
	if m.onCheck != nil {
		m.onCheck(results)
	}
}
