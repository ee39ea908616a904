package am

import (
	"sort"

	"github.com/teranos/jobconnect/errors"
)

// Validate checks the configuration. Every failure is a configuration
// error naming the offending key.
func (c *Config) Validate() error {
	if c.Log.Verbosity < 0 {
		return errors.Configurationf("log.verbosity must be >= 0, got %d", c.Log.Verbosity)
	}
	if c.Ledger.Enabled && c.Ledger.Path == "" {
		return errors.Configurationf("ledger.path cannot be empty when enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.Configurationf("metrics.addr cannot be empty when enabled")
	}
	if c.Health.IntervalSeconds < 0 {
		return errors.Configurationf("health.interval_seconds must be >= 0, got %d", c.Health.IntervalSeconds)
	}

	for _, id := range c.ConnectorIDs() {
		if err := c.Connectors[id].validate(id); err != nil {
			return err
		}
	}
	return nil
}

// ConnectorIDs returns the configured connector ids in sorted order.
func (c *Config) ConnectorIDs() []string {
	ids := make([]string, 0, len(c.Connectors))
	for id := range c.Connectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s ConnectorSettings) validate(id string) error {
	key := func(field string) string { return "connectors." + id + "." + field }

	switch s.Transport {
	case TransportREST, TransportWebSocket:
	default:
		return errors.Configurationf("%s must be rest or websocket, got %q", key("transport"), s.Transport)
	}
	if s.Adapter == "" {
		return errors.Configurationf("%s is required", key("adapter"))
	}
	if s.ServiceType == "" {
		return errors.Configurationf("%s is required", key("service_type"))
	}
	if s.BaseURL == "" {
		return errors.Configurationf("%s is required", key("base_url"))
	}
	if s.TimeoutSeconds <= 0 {
		return errors.Configurationf("%s must be > 0, got %d", key("timeout_seconds"), s.TimeoutSeconds)
	}
	if s.RetryAttempts != nil && *s.RetryAttempts < 0 {
		return errors.Configurationf("%s must be >= 0, got %d", key("retry_attempts"), *s.RetryAttempts)
	}
	if s.RetryDelaySeconds < 0 {
		return errors.Configurationf("%s must be >= 0, got %v", key("retry_delay_seconds"), s.RetryDelaySeconds)
	}
	if s.MaxConcurrentJobs <= 0 {
		return errors.Configurationf("%s must be > 0, got %d", key("max_concurrent_jobs"), s.MaxConcurrentJobs)
	}
	if s.RequestsPerSecond < 0 {
		return errors.Configurationf("%s must be >= 0, got %v", key("requests_per_second"), s.RequestsPerSecond)
	}

	if s.Transport == TransportREST && s.PollingIntervalMS <= 0 {
		return errors.Configurationf("%s must be > 0, got %d", key("polling_interval_ms"), s.PollingIntervalMS)
	}
	if s.Transport == TransportWebSocket {
		if s.HeartbeatIntervalMS <= 0 {
			return errors.Configurationf("%s must be > 0, got %d", key("heartbeat_interval_ms"), s.HeartbeatIntervalMS)
		}
		if s.MaxReconnectAttempts != nil && *s.MaxReconnectAttempts < 0 {
			return errors.Configurationf("%s must be >= 0, got %d", key("max_reconnect_attempts"), *s.MaxReconnectAttempts)
		}
		if s.MessageTimeoutMS < 0 {
			return errors.Configurationf("%s must be >= 0, got %d", key("message_timeout_ms"), s.MessageTimeoutMS)
		}
		if s.PendingQueueSize < 0 {
			return errors.Configurationf("%s must be >= 0, got %d", key("pending_queue_size"), s.PendingQueueSize)
		}
	}

	if s.ChunkTimeoutMS < 0 {
		return errors.Configurationf("%s must be >= 0, got %d", key("chunk_timeout_ms"), s.ChunkTimeoutMS)
	}
	if s.MaxResponseSize < 0 {
		return errors.Configurationf("%s must be >= 0, got %d", key("max_response_size"), s.MaxResponseSize)
	}
	if s.ProgressInterval < 0 {
		return errors.Configurationf("%s must be >= 0, got %d", key("progress_interval"), s.ProgressInterval)
	}
	return nil
}
