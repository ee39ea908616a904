package am

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/teranos/jobconnect/internal/util"
)

// Connector defaults applied to unset fields.
const (
	DefaultTimeoutSeconds       = 300
	DefaultRetryAttempts        = 3
	DefaultRetryDelaySeconds    = 1.0
	DefaultMaxConcurrentJobs    = 1
	DefaultPollingIntervalMS    = 1000
	DefaultHeartbeatIntervalMS  = 30000
	DefaultHeartbeatGraceMS     = 10000
	DefaultReconnectDelayMS     = 5000
	DefaultMaxReconnectAttempts = 5
	DefaultMessageTimeoutMS     = 300000
	DefaultChunkTimeoutMS       = 30000
	DefaultMaxResponseSize      = 10 << 20
	DefaultProgressInterval     = 10
)

// SetDefaults configures default values for the top-level options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.json", false)
	v.SetDefault("log.verbosity", 0)

	v.SetDefault("ledger.enabled", true)
	v.SetDefault("ledger.path", "jobconnect.db")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9464")

	v.SetDefault("health.interval_seconds", 30)
}

// BindSensitiveEnvVars binds connector secrets to explicit environment
// variables, e.g. JOBCONNECT_CONNECTORS_COMFY_AUTH_TOKEN. Map keys are only
// known after the file is read, so this runs per connector id.
func BindSensitiveEnvVars(v *viper.Viper, connectorIDs []string) {
	for _, id := range connectorIDs {
		for _, field := range []string{"auth.token", "auth.password", "base_url"} {
			_ = v.BindEnv(fmt.Sprintf("connectors.%s.%s", id, field))
		}
	}
}

// withDefaults fills unset connector fields. Zero is kept where it is a
// meaningful setting (retry and reconnect attempts are pointers for that).
func (s ConnectorSettings) withDefaults() ConnectorSettings {
	if s.Transport == "" {
		s.Transport = TransportREST
	}
	if s.Auth.Type == "" {
		s.Auth.Type = "none"
	}
	if s.TimeoutSeconds == 0 {
		s.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if s.RetryAttempts == nil {
		s.RetryAttempts = util.Ptr(DefaultRetryAttempts)
	}
	if s.RetryDelaySeconds == 0 {
		s.RetryDelaySeconds = DefaultRetryDelaySeconds
	}
	if s.MaxConcurrentJobs == 0 {
		s.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}

	switch s.Transport {
	case TransportREST:
		if s.PollingIntervalMS == 0 {
			s.PollingIntervalMS = DefaultPollingIntervalMS
		}
	case TransportWebSocket:
		if s.HeartbeatIntervalMS == 0 {
			s.HeartbeatIntervalMS = DefaultHeartbeatIntervalMS
		}
		if s.HeartbeatGraceMS == 0 {
			s.HeartbeatGraceMS = DefaultHeartbeatGraceMS
		}
		if s.ReconnectDelayMS == 0 {
			s.ReconnectDelayMS = DefaultReconnectDelayMS
		}
		if s.MaxReconnectAttempts == nil {
			s.MaxReconnectAttempts = util.Ptr(DefaultMaxReconnectAttempts)
		}
		if s.MessageTimeoutMS == 0 {
			s.MessageTimeoutMS = DefaultMessageTimeoutMS
		}
	}

	if s.ChunkTimeoutMS == 0 {
		s.ChunkTimeoutMS = DefaultChunkTimeoutMS
	}
	if s.MaxResponseSize == 0 {
		s.MaxResponseSize = DefaultMaxResponseSize
	}
	if s.ProgressInterval == 0 {
		s.ProgressInterval = DefaultProgressInterval
	}
	return s
}
