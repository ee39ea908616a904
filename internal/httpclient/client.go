// Package httpclient provides the guarded HTTP client used to talk to
// compute backends.
package httpclient

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/jobconnect/errors"
)

// Options tunes a Client. The zero value allows http and https, follows up
// to 10 redirects, does not block private addresses and caps response
// bodies at DefaultMaxBodyBytes.
type Options struct {
	AllowedSchemes []string
	MaxRedirects   int
	// BlockPrivateIP refuses loopback, private and link-local targets.
	// Compute backends usually live on private networks, so it is opt-in.
	BlockPrivateIP bool
	MaxBodyBytes   int64
	// Transport overrides the round tripper. Ignored when BlockPrivateIP
	// is set.
	Transport http.RoundTripper
}

// DefaultMaxBodyBytes bounds non-streamed response bodies.
const DefaultMaxBodyBytes = 32 << 20

// Client wraps http.Client with URL validation, a redirect policy and
// bounded body reads.
type Client struct {
	*http.Client
	allowedSchemes []string
	blockPrivateIP bool
	maxRedirects   int
	maxBodyBytes   int64
}

// New creates a client. timeout bounds a single request; zero leaves it to
// the request context.
func New(timeout time.Duration, opts Options) *Client {
	c := &Client{
		Client:         &http.Client{Timeout: timeout, Transport: opts.Transport},
		allowedSchemes: opts.AllowedSchemes,
		blockPrivateIP: opts.BlockPrivateIP,
		maxRedirects:   opts.MaxRedirects,
		maxBodyBytes:   opts.MaxBodyBytes,
	}
	if len(c.allowedSchemes) == 0 {
		c.allowedSchemes = []string{"http", "https"}
	}
	if c.maxRedirects <= 0 {
		c.maxRedirects = 10
	}
	if c.maxBodyBytes <= 0 {
		c.maxBodyBytes = DefaultMaxBodyBytes
	}

	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.maxRedirects {
			return errors.Newf("stopped after %d redirects", c.maxRedirects)
		}
		if err := c.validateURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	if c.blockPrivateIP {
		c.Transport = c.guardedTransport()
	}
	return c
}

// guardedTransport resolves the target before dialing so DNS answers
// pointing at private ranges are refused too.
func (c *Client) guardedTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrap(err, "invalid address")
			}
			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to resolve host %q", host)
			}
			for _, ip := range ips {
				if isPrivateIP(ip) {
					return nil, errors.Newf("private IP address blocked: %s", ip)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// ValidateURL parses and checks a URL against the client's policy.
func (c *Client) ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := c.validateURL(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (c *Client) validateURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, s := range c.allowedSchemes {
		if scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.Newf("scheme %q not allowed (allowed: %v)", scheme, c.allowedSchemes)
	}
	if u.User != nil {
		return errors.New("URL must not carry credentials, use auth settings instead")
	}

	host := u.Hostname()
	if host == "" {
		return errors.New("URL missing hostname")
	}
	if !c.blockPrivateIP {
		return nil
	}
	if isLocalhost(host) {
		return errors.New("localhost access blocked")
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return errors.Newf("private IP address blocked: %s", host)
	}
	return nil
}

// Do validates the request URL and sends it.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.validateURL(req.URL); err != nil {
		return nil, errors.Wrap(err, "request blocked")
	}
	return c.Client.Do(req)
}

// ReadBody reads a response body up to the client's cap. Exceeding it is a
// size-exceeded error rather than a silent truncation.
func (c *Client) ReadBody(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, c.maxBodyBytes+1))
	if err != nil {
		return nil, errors.Wrap(err, "read response body")
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, errors.SizeExceededf("response body exceeds %d bytes", c.maxBodyBytes)
	}
	return body, nil
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	// 0.0.0.0/8 and 240.0.0.0/4
	if ip4 := ip.To4(); ip4 != nil {
		return ip4[0] == 0 || ip4[0] >= 240
	}
	return false
}

func isLocalhost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" ||
		host == "localhost.localdomain" ||
		strings.HasSuffix(host, ".localhost")
}
