package httpclient

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/jobconnect/errors"
)

func TestValidateURL(t *testing.T) {
	open := New(0, Options{})
	guarded := New(0, Options{BlockPrivateIP: true})

	tests := []struct {
		name    string
		client  *Client
		url     string
		wantErr string
	}{
		{"http allowed", open, "http://10.0.0.5:8188/prompt", ""},
		{"localhost allowed by default", open, "http://localhost:8188", ""},
		{"ftp rejected", open, "ftp://backend/file", "not allowed"},
		{"credentials rejected", open, "http://user:pw@backend/", "credentials"},
		{"missing host", open, "http:///path", "missing hostname"},
		{"localhost blocked", guarded, "http://localhost:8188", "localhost"},
		{"private ip blocked", guarded, "http://192.168.1.10/", "private IP"},
		{"public ip allowed", guarded, "https://8.8.8.8/", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.client.ValidateURL(tt.url)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIsPrivateIP(t *testing.T) {
	for _, ip := range []string{"127.0.0.1", "10.1.2.3", "172.16.0.1", "169.254.1.1", "0.0.0.0", "::1", "fd00::1", "fe80::1"} {
		assert.True(t, isPrivateIP(net.ParseIP(ip)), ip)
	}
	for _, ip := range []string{"8.8.8.8", "1.1.1.1", "2606:4700::1111"} {
		assert.False(t, isPrivateIP(net.ParseIP(ip)), ip)
	}
}

func TestDo_AgainstLocalServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New(0, Options{})
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := c.ReadBody(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}

func TestDo_BlockedRequest(t *testing.T) {
	c := New(0, Options{BlockPrivateIP: true})
	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:1/", nil)
	require.NoError(t, err)

	_, err = c.Do(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request blocked")
}

func TestRedirectLimit(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/again", http.StatusFound)
	}))
	defer srv.Close()

	c := New(0, Options{MaxRedirects: 2})
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = c.Do(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped after 2 redirects")
}

func TestReadBody_Cap(t *testing.T) {
	c := New(0, Options{MaxBodyBytes: 4})

	body, err := c.ReadBody(strings.NewReader("abcd"))
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(body))

	_, err = c.ReadBody(strings.NewReader("abcde"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSizeExceeded))
}
