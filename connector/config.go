package connector

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/teranos/jobconnect/errors"
)

// Config holds the settings shared by every connector. It is resolved once,
// outside the connector, and never mutated afterwards.
type Config struct {
	ID                string
	ServiceType       string
	JobTypes          []string // job types accepted; empty means ServiceType only
	BaseURL           string
	Auth              AuthConfig
	Timeout           time.Duration // whole-job bound
	RetryAttempts     int
	RetryDelay        time.Duration
	MaxConcurrentJobs int
}

// Validate checks the settings every transport depends on.
func (c Config) Validate() error {
	if c.ID == "" {
		return errors.Configurationf("connector id is required")
	}
	if c.ServiceType == "" {
		return errors.Configurationf("connector %s: service_type is required", c.ID)
	}
	if c.BaseURL == "" {
		return errors.Configurationf("connector %s: base_url is required", c.ID)
	}
	if c.MaxConcurrentJobs <= 0 {
		return errors.Configurationf("connector %s: max_concurrent_jobs must be > 0, got %d", c.ID, c.MaxConcurrentJobs)
	}
	if c.Timeout <= 0 {
		return errors.Configurationf("connector %s: timeout_seconds must be > 0", c.ID)
	}
	if c.RetryAttempts < 0 {
		return errors.Configurationf("connector %s: retry_attempts must be >= 0, got %d", c.ID, c.RetryAttempts)
	}
	if c.RetryDelay < 0 {
		return errors.Configurationf("connector %s: retry_delay_seconds must be >= 0", c.ID)
	}
	return c.Auth.Validate()
}

// Accepts reports whether jobType is handled by this connector.
func (c Config) Accepts(jobType string) bool {
	if len(c.JobTypes) == 0 {
		return jobType == c.ServiceType
	}
	for _, t := range c.JobTypes {
		if t == jobType {
			return true
		}
	}
	return false
}

// Auth types
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthBasic  = "basic"
	AuthHeader = "header"
)

// AuthConfig describes how requests to the backend are authenticated.
type AuthConfig struct {
	Type       string
	Token      string
	Username   string
	Password   string
	HeaderName string
}

// Validate checks the auth settings for the selected type.
func (a AuthConfig) Validate() error {
	switch a.Type {
	case "", AuthNone:
		return nil
	case AuthBearer:
		if a.Token == "" {
			return errors.Configurationf("auth.token is required for bearer auth")
		}
	case AuthBasic:
		if a.Username == "" {
			return errors.Configurationf("auth.username is required for basic auth")
		}
	case AuthHeader:
		if a.HeaderName == "" || a.Token == "" {
			return errors.Configurationf("auth.header_name and auth.token are required for header auth")
		}
	default:
		return errors.Configurationf("unknown auth type %q (valid: none, bearer, basic, header)", a.Type)
	}
	return nil
}

// Header returns the authentication headers, used for WebSocket handshakes.
func (a AuthConfig) Header() http.Header {
	h := http.Header{}
	switch a.Type {
	case AuthBearer:
		h.Set("Authorization", "Bearer "+a.Token)
	case AuthBasic:
		creds := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
		h.Set("Authorization", "Basic "+creds)
	case AuthHeader:
		h.Set(a.HeaderName, a.Token)
	}
	return h
}

// Apply sets the authentication headers on req.
func (a AuthConfig) Apply(req *http.Request) {
	for k, vs := range a.Header() {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
}
