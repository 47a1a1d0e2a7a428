// Package sysstats reports host and process statistics. It backs the
// system_stats plugin and the periodic MQTT state snapshot.
package sysstats

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nugget/tether-agent/internal/buildinfo"
)

// SessionCounter reports how many agent sessions are in progress.
type SessionCounter interface {
	Count() int
}

// PluginCounter reports how many plugins are registered.
type PluginCounter interface {
	Len() int
}

// Host describes the machine. Fields the platform cannot report are
// left zero.
type Host struct {
	Hostname  string        `json:"hostname"`
	Platform  string        `json:"platform"`
	CPUs      int           `json:"cpus"`
	Uptime    time.Duration `json:"uptime"`
	MemTotal  uint64        `json:"mem_total"`
	MemFree   uint64        `json:"mem_free"`
	DiskTotal uint64        `json:"disk_total"`
	DiskFree  uint64        `json:"disk_free"`
	Load1     float64       `json:"load1"`
}

// Process describes this agent process.
type Process struct {
	Version    string        `json:"version"`
	GoVersion  string        `json:"go_version"`
	PID        int           `json:"pid"`
	Uptime     time.Duration `json:"uptime"`
	HeapAlloc  uint64        `json:"heap_alloc"`
	Sys        uint64        `json:"sys"`
	Goroutines int           `json:"goroutines"`
	Sessions   int           `json:"active_sessions"`
	Plugins    int           `json:"plugins"`
}

// Snapshot is one point-in-time reading.
type Snapshot struct {
	Time    time.Time `json:"time"`
	Host    Host      `json:"host"`
	Process Process   `json:"process"`
}

// Collector gathers snapshots.
type Collector struct {
	sessions SessionCounter
	plugins  PluginCounter
	diskPath string
}

// NewCollector creates a collector. diskPath selects the filesystem
// whose usage is reported; empty means "/". Either counter may be nil.
func NewCollector(sessions SessionCounter, plugins PluginCounter, diskPath string) *Collector {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Collector{sessions: sessions, plugins: plugins, diskPath: diskPath}
}

// Snapshot reads the current statistics.
func (c *Collector) Snapshot() Snapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := Snapshot{
		Time: time.Now(),
		Host: Host{
			Platform: runtime.GOOS + " " + runtime.GOARCH,
			CPUs:     runtime.NumCPU(),
		},
		Process: Process{
			Version:    buildinfo.Version,
			GoVersion:  runtime.Version(),
			PID:        os.Getpid(),
			Uptime:     buildinfo.Uptime(),
			HeapAlloc:  ms.HeapAlloc,
			Sys:        ms.Sys,
			Goroutines: runtime.NumGoroutine(),
		},
	}
	snap.Host.Hostname, _ = os.Hostname()
	// Host fields stay zero when the platform cannot report them.
	_ = readHost(&snap.Host, c.diskPath)

	if c.sessions != nil {
		snap.Process.Sessions = c.sessions.Count()
	}
	if c.plugins != nil {
		snap.Process.Plugins = c.plugins.Len()
	}
	return snap
}

// Format renders a snapshot as the chat-facing report.
func Format(s Snapshot) string {
	var sb strings.Builder
	sb.WriteString("📊 **System Statistics**\n\n")

	sb.WriteString("**CPU:**\n")
	fmt.Fprintf(&sb, "• Cores: %d\n", s.Host.CPUs)
	if s.Host.Load1 > 0 {
		fmt.Fprintf(&sb, "• Load (1m): %.2f\n", s.Host.Load1)
	}

	sb.WriteString("\n**Memory:**\n")
	if s.Host.MemTotal > 0 {
		used := s.Host.MemTotal - s.Host.MemFree
		fmt.Fprintf(&sb, "• Total: %s\n", humanize.IBytes(s.Host.MemTotal))
		fmt.Fprintf(&sb, "• Used: %s\n", humanize.IBytes(used))
		fmt.Fprintf(&sb, "• Free: %s\n", humanize.IBytes(s.Host.MemFree))
		fmt.Fprintf(&sb, "• Usage: %.2f%%\n", percent(used, s.Host.MemTotal))
	} else {
		sb.WriteString("• N/A\n")
	}

	sb.WriteString("\n**Disk:**\n")
	if s.Host.DiskTotal > 0 {
		used := s.Host.DiskTotal - s.Host.DiskFree
		fmt.Fprintf(&sb, "• %s used / %s total (%.0f%% used)\n",
			humanize.IBytes(used), humanize.IBytes(s.Host.DiskTotal), percent(used, s.Host.DiskTotal))
	} else {
		sb.WriteString("• Unable to fetch disk info\n")
	}

	sb.WriteString("\n**System:**\n")
	fmt.Fprintf(&sb, "• Platform: %s\n", s.Host.Platform)
	if s.Host.Hostname != "" {
		fmt.Fprintf(&sb, "• Hostname: %s\n", s.Host.Hostname)
	}
	if s.Host.Uptime > 0 {
		fmt.Fprintf(&sb, "• Uptime: %s\n", hoursMinutes(s.Host.Uptime))
	}

	sb.WriteString("\n**Agent Process:**\n")
	fmt.Fprintf(&sb, "• Version: %s (%s)\n", s.Process.Version, s.Process.GoVersion)
	fmt.Fprintf(&sb, "• PID: %d\n", s.Process.PID)
	fmt.Fprintf(&sb, "• Uptime: %s\n", hoursMinutes(s.Process.Uptime))
	fmt.Fprintf(&sb, "• Memory: %s heap\n", humanize.IBytes(s.Process.HeapAlloc))
	fmt.Fprintf(&sb, "• Goroutines: %d\n", s.Process.Goroutines)
	fmt.Fprintf(&sb, "• Active sessions: %d\n", s.Process.Sessions)
	fmt.Fprintf(&sb, "• Plugins: %d", s.Process.Plugins)

	return sb.String()
}

func percent(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func hoursMinutes(d time.Duration) string {
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
