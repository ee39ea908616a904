package am

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/jobconnect/errors"
	jctest "github.com/teranos/jobconnect/internal/testing"
)

const sampleConfig = `
[log]
verbosity = 2

[metrics]
addr = "127.0.0.1:9999"

[connectors.comfy]
adapter = "comfyui"
service_type = "image_generation"
job_types = ["txt2img"]
base_url = "http://localhost:8188"
max_concurrent_jobs = 2
retry_attempts = 0

[connectors.relay]
transport = "websocket"
adapter = "relay"
service_type = "relay"
base_url = "http://localhost:9000"
ws_url = "ws://localhost:9000/ws"

[connectors.relay.auth]
type = "bearer"
token = "from-file"
`

func TestLoad(t *testing.T) {
	cfg, err := Load(jctest.WriteConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Log.Verbosity)
	assert.Equal(t, "127.0.0.1:9999", cfg.Metrics.Addr)
	assert.True(t, cfg.Ledger.Enabled)
	assert.Equal(t, 30, cfg.Health.IntervalSeconds)
	assert.Equal(t, []string{"comfy", "relay"}, cfg.ConnectorIDs())

	comfy := cfg.Connectors["comfy"]
	assert.Equal(t, TransportREST, comfy.Transport)
	assert.Equal(t, "none", comfy.Auth.Type)
	assert.Equal(t, []string{"txt2img"}, comfy.JobTypes)
	assert.Equal(t, 2, comfy.MaxConcurrentJobs)
	assert.Equal(t, DefaultTimeoutSeconds, comfy.TimeoutSeconds)
	assert.Equal(t, DefaultPollingIntervalMS, comfy.PollingIntervalMS)
	require.NotNil(t, comfy.RetryAttempts)
	assert.Equal(t, 0, *comfy.RetryAttempts, "explicit zero retries is kept")

	relay := cfg.Connectors["relay"]
	assert.Equal(t, TransportWebSocket, relay.Transport)
	assert.Equal(t, "from-file", relay.Auth.Token)
	assert.Equal(t, DefaultHeartbeatIntervalMS, relay.HeartbeatIntervalMS)
	require.NotNil(t, relay.MaxReconnectAttempts)
	assert.Equal(t, DefaultMaxReconnectAttempts, *relay.MaxReconnectAttempts)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("JOBCONNECT_METRICS_ADDR", ":1234")
	t.Setenv("JOBCONNECT_CONNECTORS_RELAY_AUTH_TOKEN", "from-env")

	cfg, err := Load(jctest.WriteConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":1234", cfg.Metrics.Addr)
	assert.Equal(t, "from-env", cfg.Connectors["relay"].Auth.Token)
}

func TestLoadReturnsFreshValues(t *testing.T) {
	path := jctest.WriteConfig(t, sampleConfig)

	first, err := Load(path)
	require.NoError(t, err)
	first.Connectors["comfy"] = ConnectorSettings{}

	second, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "comfyui", second.Connectors["comfy"].Adapter)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantKey string
	}{
		{
			name:    "missing base url",
			config:  "[connectors.a]\nadapter = \"comfyui\"\nservice_type = \"x\"\n",
			wantKey: "connectors.a.base_url",
		},
		{
			name:    "unknown transport",
			config:  "[connectors.a]\ntransport = \"grpc\"\nadapter = \"comfyui\"\nservice_type = \"x\"\nbase_url = \"http://h\"\n",
			wantKey: "connectors.a.transport",
		},
		{
			name:    "negative retries",
			config:  "[connectors.a]\nadapter = \"comfyui\"\nservice_type = \"x\"\nbase_url = \"http://h\"\nretry_attempts = -1\n",
			wantKey: "connectors.a.retry_attempts",
		},
		{
			name:    "negative size cap",
			config:  "[connectors.a]\nadapter = \"openai\"\nservice_type = \"x\"\nbase_url = \"http://h\"\nmax_response_size = -5\n",
			wantKey: "connectors.a.max_response_size",
		},
		{
			name:    "negative health interval",
			config:  "[health]\ninterval_seconds = -1\n",
			wantKey: "health.interval_seconds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(jctest.WriteConfig(t, tt.config))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrConfiguration))
			assert.Contains(t, err.Error(), tt.wantKey)
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg, err := Load(jctest.WriteConfig(t, sampleConfig))
	require.NoError(t, err)

	red := cfg.Redacted()
	assert.Equal(t, "********", red.Connectors["relay"].Auth.Token)
	assert.Equal(t, "from-file", cfg.Connectors["relay"].Auth.Token, "original untouched")
	assert.Empty(t, red.Connectors["comfy"].Auth.Token)
}
