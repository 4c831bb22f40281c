package mqttsink

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/SchumacherFM/prometheus_efriends_exporter/sensor"
)

var (
	errEmptyDeviceID = errors.New("mqttsink: device id must not be empty")
	nodeIDReplacer   = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)
)

// NodeID turns a host name, IP or balena id into a valid discovery node id.
func NodeID(s string) string {
	return nodeIDReplacer.ReplaceAllString(s, "_")
}

type DiscoveryConfig struct {
	Device              DiscoveryDevice `json:"device"`
	StateTopic          string          `json:"state_topic"`
	JSONAttributesTopic string          `json:"json_attributes_topic,omitempty"`
	StateClass          string          `json:"state_class,omitempty"`
	DeviceClass         string          `json:"device_class,omitempty"`
	UnitOfMeasurement   string          `json:"unit_of_measurement,omitempty"`
	AvTopic             string          `json:"availability_topic,omitempty"`
	Name                string          `json:"name"`
	UniqueId            string          `json:"unique_id"`
	Platform            string          `json:"platform"`
	Icon                string          `json:"icon,omitempty"`
}

type DiscoveryDevice struct {
	Id           []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name,omitempty"`
}

func (s *Sink) DiscoveryTopic(deviceID string, m sensor.Meta) string {
	return fmt.Sprintf("%s/sensor/%s/%s/config", s.opts.DiscoveryTopic, deviceID, m.UniqueID())
}

func (s *Sink) DiscoveryMessage(deviceID string, m sensor.Meta) DiscoveryConfig {
	c := DiscoveryConfig{
		Device: DiscoveryDevice{
			Id:           []string{deviceID},
			Manufacturer: "eFriends",
			Model:        "Cube",
			Name:         sensor.Domain,
		},
		StateTopic:        s.StateTopic(m),
		StateClass:        m.StateClass,
		DeviceClass:       m.DeviceClass,
		UnitOfMeasurement: m.Unit,
		AvTopic:           s.BridgeStateTopic(),
		Name:              m.UniqueID(),
		UniqueId:          m.UniqueID(),
		Platform:          "mqtt",
		Icon:              m.Icon,
	}
	if m == sensor.MetaPower {
		c.JSONAttributesTopic = s.AttributesTopic(m)
	}
	return c
}

// Announce publishes the discovery config of all entities.
func (s *Sink) Announce(deviceID string) error {
	deviceID = NodeID(deviceID)
	if deviceID == "" {
		return errEmptyDeviceID
	}
	for _, m := range sensor.All {
		payload, err := json.Marshal(s.DiscoveryMessage(deviceID, m))
		if err != nil {
			return fmt.Errorf("encode discovery for %s: %w", m.UniqueID(), err)
		}
		s.publish(s.DiscoveryTopic(deviceID, m), payload)
	}
	return nil
}
