package sysstats

import (
	"context"
	"strings"
	"testing"
	"time"
)

type countStub int

func (c countStub) Count() int { return int(c) }
func (c countStub) Len() int   { return int(c) }

func TestSnapshot(t *testing.T) {
	snap := NewCollector(countStub(2), countStub(7), t.TempDir()).Snapshot()

	if snap.Process.Sessions != 2 {
		t.Errorf("Sessions = %d, want 2", snap.Process.Sessions)
	}
	if snap.Process.Plugins != 7 {
		t.Errorf("Plugins = %d, want 7", snap.Process.Plugins)
	}
	if snap.Host.CPUs < 1 || snap.Process.Goroutines < 1 || snap.Process.PID == 0 {
		t.Errorf("runtime fields not populated: %+v", snap)
	}
}

func TestSnapshot_NilCounters(t *testing.T) {
	snap := NewCollector(nil, nil, "").Snapshot()
	if snap.Process.Sessions != 0 || snap.Process.Plugins != 0 {
		t.Errorf("counters = %d/%d, want 0/0", snap.Process.Sessions, snap.Process.Plugins)
	}
}

func TestFormat(t *testing.T) {
	snap := Snapshot{
		Host: Host{
			Hostname:  "box",
			Platform:  "linux amd64",
			CPUs:      4,
			Uptime:    26*time.Hour + 5*time.Minute,
			MemTotal:  8 << 30,
			MemFree:   2 << 30,
			DiskTotal: 100 << 30,
			DiskFree:  25 << 30,
		},
		Process: Process{
			Version:    "1.2.3",
			GoVersion:  "go1.24.0",
			PID:        42,
			Uptime:     90 * time.Minute,
			HeapAlloc:  3 << 20,
			Goroutines: 12,
			Sessions:   1,
			Plugins:    7,
		},
	}
	got := Format(snap)

	for _, want := range []string{
		"📊 **System Statistics**\n\n**CPU:**\n• Cores: 4\n",
		"• Total: 8.0 GiB\n• Used: 6.0 GiB\n• Free: 2.0 GiB\n• Usage: 75.00%\n",
		"• 75 GiB used / 100 GiB total (75% used)\n",
		"• Hostname: box\n• Uptime: 26h 5m\n",
		"• Version: 1.2.3 (go1.24.0)\n• PID: 42\n• Uptime: 1h 30m\n• Memory: 3.0 MiB heap\n",
		"• Active sessions: 1\n• Plugins: 7",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Format() missing %q in:\n%s", want, got)
		}
	}
	if strings.Contains(got, "Load") {
		t.Error("Format() reported load when none was read")
	}
}

func TestFormat_Unavailable(t *testing.T) {
	got := Format(Snapshot{Host: Host{Platform: "plan9 386"}})
	for _, want := range []string{"**Memory:**\n• N/A\n", "• Unable to fetch disk info\n"} {
		if !strings.Contains(got, want) {
			t.Errorf("Format() missing %q", want)
		}
	}
}

func TestPlugin(t *testing.T) {
	c := NewCollector(countStub(0), countStub(3), "")
	d := c.Plugin()

	for _, msg := range []string{"show me system stats", "how much RAM is free", "check disk"} {
		matched := false
		for _, re := range d.IntentPatterns {
			if re.MatchString(msg) {
				matched = true
			}
		}
		if !matched {
			t.Errorf("no intent pattern matched %q", msg)
		}
	}

	out, err := d.Functions["get_stats"].Handler(context.Background(), nil)
	if err != nil {
		t.Fatalf("get_stats error: %v", err)
	}
	if !strings.HasPrefix(out.(string), "📊 **System Statistics**") {
		t.Errorf("get_stats = %q", out)
	}
}
