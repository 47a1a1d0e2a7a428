// Package mqtt exposes the agent to an MQTT broker. It registers the
// process as a Home Assistant device with sensor entities, publishes
// retained state on an interval, forwards every event-bus event to
// <base>/events/<kind>, and can optionally accept chat messages on
// <base>/inbox.
//
// Connection management uses Eclipse Paho v2's [autopaho] package. On
// every (re-)connect the publisher re-sends retained discovery configs,
// an "online" birth message and the inbox subscription. A will message
// flips availability to "offline" on unexpected disconnects.
package mqtt
