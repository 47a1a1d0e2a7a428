package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/tether-agent/internal/config"
	"github.com/nugget/tether-agent/internal/sysstats"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "den-tether",
		DiscoveryPrefix: "homeassistant",
		PublishInterval: time.Minute,
		Inbox:           true,
		InboxPerMinute:  2,
	}
}

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if parts := strings.Split(id, "-"); len(parts) != 5 {
		t.Errorf("id %q does not look like a UUID", id)
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}
}

func TestLoadOrCreateInstanceID_ReturnsExisting(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("test-instance-id", "test-device")
	want := DeviceInfo{
		Identifiers:  []string{"test-instance-id"},
		Name:         "test-device",
		Manufacturer: "tether",
		Model:        "Tether Agent",
		SWVersion:    info.SWVersion,
	}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("NewDeviceInfo mismatch (-want +got):\n%s", diff)
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := New(testConfig(), "test-id", nil, nil, nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "tether/den-tether"},
		{"availabilityTopic", p.availabilityTopic(), "tether/den-tether/availability"},
		{"stateTopic uptime", p.stateTopic("uptime"), "tether/den-tether/uptime/state"},
		{"attributesTopic", p.attributesTopic(), "tether/den-tether/state"},
		{"eventTopic", p.eventTopic("tool_done"), "tether/den-tether/events/tool_done"},
		{"inboxTopic", p.inboxTopic(), "tether/den-tether/inbox"},
		{"discoveryTopic", p.discoveryTopic("sensor", "uptime"), "homeassistant/sensor/den-tether/uptime/config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_SensorDefinitions(t *testing.T) {
	cfg := testConfig()
	p := New(cfg, "instance-123", nil, nil, nil)

	var entities []string
	for _, d := range p.sensorDefinitions() {
		entities = append(entities, d.entity)

		if strings.Contains(d.config.Name, cfg.DeviceName) {
			t.Errorf("sensor %s: Name %q repeats the device name", d.entity, d.config.Name)
		}
		if !d.config.HasEntityName || d.config.ObjectID != d.entity {
			t.Errorf("sensor %s: HasEntityName=%v ObjectID=%q", d.entity, d.config.HasEntityName, d.config.ObjectID)
		}
		if d.config.AvailabilityTopic != "tether/den-tether/availability" {
			t.Errorf("sensor %s: AvailabilityTopic = %q", d.entity, d.config.AvailabilityTopic)
		}
		if d.config.UniqueID != "instance-123_"+d.entity {
			t.Errorf("sensor %s: UniqueID = %q", d.entity, d.config.UniqueID)
		}
		if len(d.config.Device.Identifiers) == 0 {
			t.Errorf("sensor %s: Device.Identifiers is empty", d.entity)
		}
	}

	want := []string{
		"uptime", "version", "active_sessions", "plugins",
		"requests_today", "tool_calls_today", "failures_today",
		"last_request", "heap",
	}
	if diff := cmp.Diff(want, entities); diff != "" {
		t.Errorf("entities mismatch (-want +got):\n%s", diff)
	}
}

func TestPublisher_States(t *testing.T) {
	p := New(testConfig(), "id", nil, nil, nil)
	snap := sysstats.Snapshot{Process: sysstats.Process{
		Version:   "1.2.3",
		Uptime:    90*time.Minute + 1500*time.Millisecond,
		Sessions:  2,
		Plugins:   7,
		HeapAlloc: 3 << 20,
	}}

	got := p.states(snap, Counts{Requests: 4, ToolCalls: 9, Failures: 1})
	want := map[string]string{
		"uptime":           "1h30m1s",
		"version":          "1.2.3",
		"active_sessions":  "2",
		"plugins":          "7",
		"requests_today":   "4",
		"tool_calls_today": "9",
		"failures_today":   "1",
		"last_request":     "never",
		"heap":             "3.0",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}

	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := p.states(snap, Counts{LastRequest: last})["last_request"]; got != "2026-03-01T12:00:00Z" {
		t.Errorf("last_request = %q", got)
	}
}

func TestStateDocument_JSON(t *testing.T) {
	doc := stateDocument{
		Snapshot: sysstats.Snapshot{Process: sysstats.Process{Version: "v9", Plugins: 3}},
		Counts:   Counts{Requests: 5},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	for _, s := range []string{`"version":"v9"`, `"plugins":3`, `"requests_today":5`} {
		if !strings.Contains(string(data), s) {
			t.Errorf("state document missing %s:\n%s", s, data)
		}
	}
}

func TestSensorConfig_JsonAttributesTopicOmitted(t *testing.T) {
	data, err := json.Marshal(SensorConfig{Name: "Test", UniqueID: "t1"})
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if strings.Contains(string(data), `"json_attributes_topic"`) {
		t.Errorf("json_attributes_topic should be omitted when empty:\n%s", data)
	}
}

func TestMQTTConfig_Configured(t *testing.T) {
	if (config.MQTTConfig{}).Configured() {
		t.Error("empty config reports configured")
	}
	if !testConfig().Configured() {
		t.Error("config with broker reports unconfigured")
	}
}

type recordedInbound struct {
	mu   sync.Mutex
	msgs []string
	done chan struct{}
}

func (r *recordedInbound) handle(_ context.Context, userID, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, userID+"|"+text)
	r.mu.Unlock()
	r.done <- struct{}{}
	return errors.New("delivery errors are only logged")
}

func TestHandleInbox(t *testing.T) {
	p := New(testConfig(), "id", nil, nil, nil)
	rec := &recordedInbound{done: make(chan struct{}, 4)}
	p.SetInbound(rec.handle)

	ctx := context.Background()
	p.handleInbox(ctx, []byte(`{"user_id":" 42 ","text":"what's up"}`))
	p.handleInbox(ctx, []byte(`not json`))
	// The burst is 2: the bad payload above used one token.
	p.handleInbox(ctx, []byte(`{"user_id":"42","text":"dropped"}`))

	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("inbound handler was not called")
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop error: %v", err)
	}

	if diff := cmp.Diff([]string{"42|what's up"}, rec.msgs); diff != "" {
		t.Errorf("delivered mismatch (-want +got):\n%s", diff)
	}
	if got := p.inboxLimit.dropped.Load(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestHandleInbox_IgnoredAfterStop(t *testing.T) {
	p := New(testConfig(), "id", nil, nil, nil)
	rec := &recordedInbound{done: make(chan struct{}, 1)}
	p.SetInbound(rec.handle)

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	p.handleInbox(context.Background(), []byte(`{"user_id":"42","text":"late"}`))

	if len(rec.msgs) != 0 {
		t.Errorf("handler called after Stop: %v", rec.msgs)
	}
}

func TestDecodeInbox(t *testing.T) {
	tests := []struct {
		payload string
		wantErr bool
	}{
		{`{"user_id":"a","text":"hi"}`, false},
		{`{"user_id":"","text":"hi"}`, true},
		{`{"user_id":"a","text":"   "}`, true},
		{`[1,2]`, true},
	}
	for _, tt := range tests {
		_, err := decodeInbox([]byte(tt.payload))
		if (err != nil) != tt.wantErr {
			t.Errorf("decodeInbox(%s) error = %v, wantErr %v", tt.payload, err, tt.wantErr)
		}
	}
}
