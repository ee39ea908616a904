// Package am loads jobconnect configuration.
//
// Sources, lowest precedence first: defaults, the TOML file, then
// JOBCONNECT_* environment variables (dots become underscores, e.g.
// JOBCONNECT_METRICS_ADDR). Load returns a fresh Config on every call; the
// result is converted once into immutable connector configs and never
// consulted again at job time.
package am

// Config is the root configuration.
type Config struct {
	Log        LogConfig                    `mapstructure:"log" toml:"log"`
	Ledger     LedgerConfig                 `mapstructure:"ledger" toml:"ledger"`
	Metrics    MetricsConfig                `mapstructure:"metrics" toml:"metrics"`
	Health     HealthConfig                 `mapstructure:"health" toml:"health"`
	Connectors map[string]ConnectorSettings `mapstructure:"connectors" toml:"connectors"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	JSON      bool `mapstructure:"json" toml:"json"`
	Verbosity int  `mapstructure:"verbosity" toml:"verbosity"` // 0 warn, 1 info, 2+ debug
}

// LedgerConfig configures the SQLite job outcome ledger.
type LedgerConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Path    string `mapstructure:"path" toml:"path"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Addr    string `mapstructure:"addr" toml:"addr"` // serves /metrics and /healthz
}

// HealthConfig configures the periodic connector health monitor.
type HealthConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds" toml:"interval_seconds"` // 0 = disabled
}

// Transport names
const (
	TransportREST      = "rest"
	TransportWebSocket = "websocket"
)

// ConnectorSettings describes one connector. Fields for the other
// transport are ignored.
type ConnectorSettings struct {
	Transport   string       `mapstructure:"transport" toml:"transport"` // rest | websocket
	Adapter     string       `mapstructure:"adapter" toml:"adapter"`     // comfyui | openai | relay
	ServiceType string       `mapstructure:"service_type" toml:"service_type"`
	JobTypes    []string     `mapstructure:"job_types" toml:"job_types,omitempty"`
	BaseURL     string       `mapstructure:"base_url" toml:"base_url"`
	Auth        AuthSettings `mapstructure:"auth" toml:"auth"`

	TimeoutSeconds    int     `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	RetryAttempts     *int    `mapstructure:"retry_attempts" toml:"retry_attempts,omitempty"` // nil = default 3
	RetryDelaySeconds float64 `mapstructure:"retry_delay_seconds" toml:"retry_delay_seconds"`
	MaxConcurrentJobs int     `mapstructure:"max_concurrent_jobs" toml:"max_concurrent_jobs"`

	// REST
	PollingIntervalMS int     `mapstructure:"polling_interval_ms" toml:"polling_interval_ms,omitempty"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" toml:"requests_per_second,omitempty"`
	RequestBurst      int     `mapstructure:"request_burst" toml:"request_burst,omitempty"`
	BlockPrivateIPs   bool    `mapstructure:"block_private_ips" toml:"block_private_ips,omitempty"`

	// WebSocket
	WebSocketURL         string `mapstructure:"ws_url" toml:"ws_url,omitempty"`
	HeartbeatIntervalMS  int    `mapstructure:"heartbeat_interval_ms" toml:"heartbeat_interval_ms,omitempty"`
	HeartbeatGraceMS     int    `mapstructure:"heartbeat_grace_ms" toml:"heartbeat_grace_ms,omitempty"`
	ReconnectDelayMS     int    `mapstructure:"reconnect_delay_ms" toml:"reconnect_delay_ms,omitempty"`
	MaxReconnectAttempts *int   `mapstructure:"max_reconnect_attempts" toml:"max_reconnect_attempts,omitempty"` // nil = default 5
	MessageTimeoutMS     int    `mapstructure:"message_timeout_ms" toml:"message_timeout_ms,omitempty"`
	PendingQueueSize     int    `mapstructure:"pending_queue_size" toml:"pending_queue_size,omitempty"`

	// Streaming
	ChunkTimeoutMS   int   `mapstructure:"chunk_timeout_ms" toml:"chunk_timeout_ms,omitempty"`
	MaxResponseSize  int64 `mapstructure:"max_response_size" toml:"max_response_size,omitempty"`
	ProgressInterval int   `mapstructure:"progress_interval" toml:"progress_interval,omitempty"`

	// Adapter specific
	Model string `mapstructure:"model" toml:"model,omitempty"` // openai default model
}

// AuthSettings configures backend authentication.
type AuthSettings struct {
	Type       string `mapstructure:"type" toml:"type"` // none | bearer | basic | header
	Token      string `mapstructure:"token" toml:"token,omitempty"`
	Username   string `mapstructure:"username" toml:"username,omitempty"`
	Password   string `mapstructure:"password" toml:"password,omitempty"`
	HeaderName string `mapstructure:"header_name" toml:"header_name,omitempty"`
}

// Redacted returns a copy with secrets masked, for display.
func (c Config) Redacted() Config {
	out := c
	out.Connectors = make(map[string]ConnectorSettings, len(c.Connectors))
	for id, s := range c.Connectors {
		if s.Auth.Token != "" {
			s.Auth.Token = "********"
		}
		if s.Auth.Password != "" {
			s.Auth.Password = "********"
		}
		out.Connectors[id] = s
	}
	return out
}
