package dispatch

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/jobconnect/adapters/comfyui"
	"github.com/teranos/jobconnect/adapters/openai"
	"github.com/teranos/jobconnect/adapters/relay"
	"github.com/teranos/jobconnect/am"
	"github.com/teranos/jobconnect/connector"
	"github.com/teranos/jobconnect/connector/rest"
	"github.com/teranos/jobconnect/connector/ws"
	"github.com/teranos/jobconnect/errors"
	"github.com/teranos/jobconnect/internal/httpclient"
	"github.com/teranos/jobconnect/logger"
	"github.com/teranos/jobconnect/metrics"
	"github.com/teranos/jobconnect/stream"
)

// Deps are the shared dependencies of built connectors. All fields are
// optional.
type Deps struct {
	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
	// HTTPTransport overrides the round tripper of REST connectors.
	HTTPTransport http.RoundTripper
	// Dialer overrides the WebSocket dialer.
	Dialer ws.Dialer
}

// Build constructs every configured connector, in id order. Connectors are
// not initialized.
func Build(cfg *am.Config, deps Deps) (*Registry, error) {
	reg := NewRegistry()
	for _, id := range cfg.ConnectorIDs() {
		c, err := BuildConnector(id, cfg.Connectors[id], deps)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// BuildConnector constructs one connector from validated settings.
func BuildConnector(id string, s am.ConnectorSettings, deps Deps) (*connector.Connector, error) {
	log := logger.OrNop(deps.Logger)
	cfg := ConnectorConfig(id, s)

	var (
		tr  connector.Transport
		err error
	)
	switch s.Transport {
	case am.TransportREST:
		tr, err = buildREST(cfg, s, deps, log)
	case am.TransportWebSocket:
		tr, err = buildWebSocket(cfg, s, deps, log)
	default:
		err = errors.Configurationf("connectors.%s.transport must be rest or websocket, got %q", id, s.Transport)
	}
	if err != nil {
		return nil, err
	}
	return connector.New(cfg, tr, log)
}

// ConnectorConfig converts settings into the immutable connector config.
func ConnectorConfig(id string, s am.ConnectorSettings) connector.Config {
	retries := am.DefaultRetryAttempts
	if s.RetryAttempts != nil {
		retries = *s.RetryAttempts
	}
	return connector.Config{
		ID:          id,
		ServiceType: s.ServiceType,
		JobTypes:    append([]string(nil), s.JobTypes...),
		BaseURL:     s.BaseURL,
		Auth: connector.AuthConfig{
			Type:       s.Auth.Type,
			Token:      s.Auth.Token,
			Username:   s.Auth.Username,
			Password:   s.Auth.Password,
			HeaderName: s.Auth.HeaderName,
		},
		Timeout:           time.Duration(s.TimeoutSeconds) * time.Second,
		RetryAttempts:     retries,
		RetryDelay:        time.Duration(s.RetryDelaySeconds * float64(time.Second)),
		MaxConcurrentJobs: s.MaxConcurrentJobs,
	}
}

func streamConfig(s am.ConnectorSettings) stream.Config {
	return stream.Config{
		ChunkTimeout:     ms(s.ChunkTimeoutMS),
		MaxResponseSize:  s.MaxResponseSize,
		ProgressInterval: s.ProgressInterval,
	}
}

func buildREST(cfg connector.Config, s am.ConnectorSettings, deps Deps, log *zap.SugaredLogger) (connector.Transport, error) {
	var adapter rest.Adapter
	switch s.Adapter {
	case comfyui.Name:
		adapter = comfyui.New("")
	case openai.Name:
		adapter = openai.New(openai.Config{Model: s.Model})
	default:
		return nil, errors.Configurationf("connectors.%s.adapter %q is not a rest adapter (valid: %s, %s)",
			cfg.ID, s.Adapter, comfyui.Name, openai.Name)
	}

	client := httpclient.New(0, httpclient.Options{
		BlockPrivateIP: s.BlockPrivateIPs,
		Transport:      deps.HTTPTransport,
	})
	return rest.New(cfg, rest.Config{
		PollingInterval:   ms(s.PollingIntervalMS),
		RequestsPerSecond: s.RequestsPerSecond,
		Burst:             s.RequestBurst,
		Stream:            streamConfig(s),
	}, adapter, client, log)
}

func buildWebSocket(cfg connector.Config, s am.ConnectorSettings, deps Deps, log *zap.SugaredLogger) (connector.Transport, error) {
	if s.Adapter != relay.Name {
		return nil, errors.Configurationf("connectors.%s.adapter %q is not a websocket adapter (valid: %s)",
			cfg.ID, s.Adapter, relay.Name)
	}

	attempts := am.DefaultMaxReconnectAttempts
	if s.MaxReconnectAttempts != nil {
		attempts = *s.MaxReconnectAttempts
	}

	opts := []ws.Option{
		ws.WithStateObserver(reconnectObserver(cfg.ID, deps.Metrics)),
		ws.WithKeepaliveObserver(keepaliveObserver{id: cfg.ID, m: deps.Metrics}),
	}
	if deps.Dialer != nil {
		opts = append(opts, ws.WithDialer(deps.Dialer))
	}

	return ws.New(cfg, ws.Config{
		URL:                  s.WebSocketURL,
		HeartbeatInterval:    ms(s.HeartbeatIntervalMS),
		HeartbeatGrace:       ms(s.HeartbeatGraceMS),
		ReconnectDelay:       ms(s.ReconnectDelayMS),
		MaxReconnectAttempts: attempts,
		MessageTimeout:       ms(s.MessageTimeoutMS),
		PendingQueueSize:     s.PendingQueueSize,
	}, relay.New(), log, opts...)
}

// reconnectObserver counts every entry into RECONNECTING.
func reconnectObserver(id string, m *metrics.Metrics) ws.StateObserver {
	return func(from, to ws.State) {
		if to == ws.StateReconnecting {
			m.Reconnect(id)
		}
	}
}

// keepaliveObserver feeds frame counts and heartbeat latency to Prometheus.
type keepaliveObserver struct {
	id string
	m  *metrics.Metrics
}

func (o keepaliveObserver) FrameReceived() { o.m.Frame(o.id, metrics.DirectionIn) }
func (o keepaliveObserver) FrameSent()     { o.m.Frame(o.id, metrics.DirectionOut) }

func (o keepaliveObserver) HeartbeatAcked(latency time.Duration) {
	o.m.HeartbeatLatency(o.id, latency)
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
