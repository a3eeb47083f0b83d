// Package buildinfo carries version metadata stamped at link time.
//
//	go build -ldflags "-X github.com/nugget/toolbridge/internal/buildinfo.Version=v0.3.0"
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Name is the product name used in MCP client info and User-Agent headers.
const Name = "toolbridge"

// Set via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

func init() {
	// `go install module@version` builds carry the module version even
	// without ldflags.
	if Version != "dev" {
		return
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		Version = bi.Main.Version
	}
}

// Info returns build and runtime details for the health endpoint.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the time since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is the User-Agent sent on outbound HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("%s/%s (%s; %s)", Name, Version, runtime.GOOS, runtime.GOARCH)
}

// String returns a one-line summary for logs and the version command.
func String() string {
	return fmt.Sprintf("%s %s (%s) built %s %s", Name, Version, GitCommit, BuildTime, runtime.Version())
}
