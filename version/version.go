// Package version reports build information for the jobconnect binary and
// the User-Agent it presents to backends.
package version

import (
	"fmt"
	"runtime"
)

// Set at build time via -ldflags "-X github.com/teranos/jobconnect/version.Version=...".
var (
	Version    = "dev"
	CommitHash = "dev"
	BuildTime  = "unknown"
)

// Info describes the running binary.
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

func Get() Info {
	return Info{
		Version:    Version,
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (i Info) String() string {
	return fmt.Sprintf("jobconnect %s (commit %s, built %s)", i.Version, shortCommit(i.CommitHash), i.BuildTime)
}

// UserAgent is sent on every backend HTTP request and WebSocket handshake.
func UserAgent() string {
	return fmt.Sprintf("jobconnect/%s (%s; %s)", Version, shortCommit(CommitHash), runtime.GOOS)
}

func shortCommit(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}
