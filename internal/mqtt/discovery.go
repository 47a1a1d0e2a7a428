package mqtt

import (
	"context"
	"encoding/json"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/tether-agent/internal/buildinfo"
)

// DeviceInfo groups every tether sensor under one device in Home
// Assistant's device registry.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// NewDeviceInfo keys the device on the persistent instance id, so
// renaming mqtt.device_name does not orphan the entities.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "tether",
		Model:        "Tether Agent",
		SWVersion:    buildinfo.Version,
	}
}

// SensorConfig is the retained discovery payload for one sensor.
type SensorConfig struct {
	Name                string     `json:"name"`
	ObjectID            string     `json:"object_id,omitempty"`
	HasEntityName       bool       `json:"has_entity_name,omitempty"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	JsonAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	Device              DeviceInfo `json:"device"`
	Icon                string     `json:"icon,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
}

type sensorDef struct {
	entity string
	config SensorConfig
}

type sensorOpt func(*SensorConfig)

func diagnostic(c *SensorConfig)  { c.EntityCategory = "diagnostic" }
func measurement(c *SensorConfig) { c.StateClass = "measurement" }
func dailyTotal(c *SensorConfig)  { c.StateClass = "total_increasing" }

func unit(u string) sensorOpt {
	return func(c *SensorConfig) { c.UnitOfMeasurement = u }
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

func (p *Publisher) sensor(entity, name, icon string, opts ...sensorOpt) sensorDef {
	c := SensorConfig{
		Name:              name,
		ObjectID:          entity,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + entity,
		StateTopic:        p.stateTopic(entity),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
	for _, o := range opts {
		o(&c)
	}
	return sensorDef{entity: entity, config: c}
}

// sensorDefinitions lists one sensor per key of the state document
// built by states.
func (p *Publisher) sensorDefinitions() []sensorDef {
	withAttributes := func(c *SensorConfig) { c.JsonAttributesTopic = p.attributesTopic() }
	return []sensorDef{
		p.sensor("uptime", "Uptime", "mdi:clock-outline", diagnostic, withAttributes),
		p.sensor("version", "Version", "mdi:tag", diagnostic),
		p.sensor("active_sessions", "Active Sessions", "mdi:chat-processing", measurement),
		p.sensor("plugins", "Plugins", "mdi:puzzle", measurement),
		p.sensor("requests_today", "Requests Today", "mdi:counter", dailyTotal, unit("requests")),
		p.sensor("tool_calls_today", "Tool Calls Today", "mdi:tools", dailyTotal, unit("calls")),
		p.sensor("failures_today", "Failures Today", "mdi:alert-circle-outline", dailyTotal),
		p.sensor("last_request", "Last Request", "mdi:clock-check", diagnostic),
		p.sensor("heap", "Heap", "mdi:memory", diagnostic, measurement, unit("MB")),
	}
}

// publishDiscovery sends every sensor config retained. It runs on each
// connect so a broker restart without persistence recovers.
func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entity)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt discovery payload", "entity", s.entity, "error", err)
			continue
		}
		if _, err := cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 1, Retain: true}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", s.entity, "topic", topic, "error", err)
		}
	}
	p.logger.Debug("mqtt discovery published", "sensors", len(p.sensorDefinitions()))
}
