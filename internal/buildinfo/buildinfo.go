// Package buildinfo reports what binary is running. Values come from
// -ldflags when the release build sets them, otherwise from the VCS
// stamps the go command embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Set with -ldflags "-X github.com/nugget/tether-agent/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var (
	startTime = time.Now()
	dirty     bool
)

// init fills fields the linker left unset from the embedded build
// settings.
func init() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if GitCommit == "unknown" && len(s.Value) >= 12 {
				GitCommit = s.Value[:12]
			}
		case "vcs.time":
			if BuildTime == "unknown" {
				BuildTime = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
}

// Info is the body of /v1/version and `tether version -o json`.
func Info() map[string]string {
	info := map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
	if dirty {
		info["git_commit"] += "-dirty"
	}
	return info
}

// Uptime is the time since process start, to the second.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is sent on every outbound HTTP request.
func UserAgent() string {
	return "tether/" + Version + " (+https://github.com/nugget/tether-agent)"
}

func String() string {
	return fmt.Sprintf("tether %s (%s) built %s", Version, GitCommit, BuildTime)
}
