package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/tether-agent/internal/config"
	"github.com/nugget/tether-agent/internal/events"
	"github.com/nugget/tether-agent/internal/sysstats"
)

// StatsSource provides the runtime readings published as sensor state.
// *sysstats.Collector satisfies it.
type StatsSource interface {
	Snapshot() sysstats.Snapshot
}

// eventBuffer is the bus subscription depth. A burst larger than this
// while the broker is slow drops events rather than stalling the agent.
const eventBuffer = 64

// Publisher owns the broker connection. It publishes discovery and
// state, mirrors bus events, and optionally serves the inbox topic.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	counters   *DailyCounters
	stats      StatsSource
	bus        *events.Bus
	inboxLimit *inboxLimiter
	logger     *slog.Logger

	mu       sync.Mutex
	cm       *autopaho.ConnectionManager
	inbound  Inbound
	stopping bool
	wg       sync.WaitGroup
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and run the publish loop. bus may be nil, in which case no
// events are mirrored or counted.
func New(cfg config.MQTTConfig, instanceID string, stats StatsSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = time.Minute
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		counters:   NewDailyCounters(nil),
		stats:      stats,
		bus:        bus,
		inboxLimit: newInboxLimiter(cfg.InboxPerMinute, logger),
		logger:     logger,
	}
}

// Counters exposes today's activity counts.
func (p *Publisher) Counters() *DailyCounters { return p.counters }

// SetInbound installs the handler for inbox messages. It only has an
// effect when the inbox is enabled in config.
func (p *Publisher) SetInbound(fn Inbound) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inbound = fn
}

// Start connects to the broker and runs the publish loop until ctx is
// cancelled. Connection failures after the first attempt are retried
// in the background by autopaho.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	// Subscribe before connecting so counters see events that happen
	// while the first connection is pending.
	var feed <-chan events.Event
	if p.bus != nil {
		feed = p.bus.Subscribe(eventBuffer)
		defer p.bus.Unsubscribe(feed)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			if p.cfg.Inbox {
				p.subscribeInbox(ctx, cm)
			}
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "tether-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					if pr.Packet.Topic != p.inboxTopic() {
						return false, nil
					}
					p.handleInbox(ctx, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx, feed)
	return nil
}

// Stop publishes "offline", waits for in-flight inbox handlers and
// disconnects. ctx bounds the whole shutdown.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.stopping = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("mqtt stop: inbox handlers still running")
	}

	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "tether/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

// attributesTopic carries the full JSON state document.
func (p *Publisher) attributesTopic() string {
	return p.baseTopic() + "/state"
}

func (p *Publisher) eventTopic(kind string) string {
	return p.baseTopic() + "/events/" + kind
}

func (p *Publisher) inboxTopic() string {
	return p.baseTopic() + "/inbox"
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

func (p *Publisher) subscribeInbox(ctx context.Context, cm *autopaho.ConnectionManager) {
	topic := p.inboxTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt inbox subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Info("mqtt inbox subscribed", "topic", topic)
}

// --- Periodic state and event mirroring ---

func (p *Publisher) runLoop(ctx context.Context, feed <-chan events.Event) {
	ticker := time.NewTicker(p.cfg.PublishInterval)
	defer ticker.Stop()

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		case e, ok := <-feed:
			if !ok {
				feed = nil
				continue
			}
			p.counters.Observe(e)
			p.publishEvent(ctx, e)
		}
	}
}

// stateDocument is the retained JSON published to <base>/state.
type stateDocument struct {
	sysstats.Snapshot
	Counts Counts `json:"counts"`
}

// states renders the per-entity sensor values.
func (p *Publisher) states(snap sysstats.Snapshot, counts Counts) map[string]string {
	last := "never"
	if !counts.LastRequest.IsZero() {
		last = counts.LastRequest.Format(time.RFC3339)
	}
	return map[string]string{
		"uptime":           snap.Process.Uptime.Truncate(time.Second).String(),
		"version":          snap.Process.Version,
		"active_sessions":  strconv.Itoa(snap.Process.Sessions),
		"plugins":          strconv.Itoa(snap.Process.Plugins),
		"requests_today":   strconv.FormatInt(counts.Requests, 10),
		"tool_calls_today": strconv.FormatInt(counts.ToolCalls, 10),
		"failures_today":   strconv.FormatInt(counts.Failures, 10),
		"last_request":     last,
		"heap":             strconv.FormatFloat(float64(snap.Process.HeapAlloc)/(1<<20), 'f', 1, 64),
	}
}

func (p *Publisher) connection() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

func (p *Publisher) publishStates(ctx context.Context) {
	cm := p.connection()
	if cm == nil || p.stats == nil {
		return
	}

	snap := p.stats.Snapshot()
	counts := p.counters.Snapshot()
	states := p.states(snap, counts)

	for entity, value := range states {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}

	doc, err := json.Marshal(stateDocument{Snapshot: snap, Counts: counts})
	if err != nil {
		p.logger.Error("mqtt marshal state document", "error", err)
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.attributesTopic(),
		Payload: doc,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt state document publish failed", "error", err)
	}

	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}

func (p *Publisher) publishEvent(ctx context.Context, e events.Event) {
	cm := p.connection()
	if cm == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Debug("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.eventTopic(e.Kind),
		Payload: payload,
	}); err != nil {
		p.logger.Debug("mqtt event publish failed", "kind", e.Kind, "error", err)
	}
}
