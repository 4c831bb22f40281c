// Package mqttsink mirrors entity states to MQTT and announces them through
// Home Assistant MQTT discovery.
package mqttsink

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/SchumacherFM/prometheus_efriends_exporter/sensor"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"

	DefaultBaseTopic      = "efriends"
	DefaultDiscoveryTopic = "homeassistant"
)

type Options struct {
	Log            *zap.Logger
	BaseTopic      string
	DiscoveryTopic string
	Timeout        time.Duration
}

func (o *Options) defaults() {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.BaseTopic == "" {
		o.BaseTopic = DefaultBaseTopic
	}
	if o.DiscoveryTopic == "" {
		o.DiscoveryTopic = DefaultDiscoveryTopic
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
}

// ClientOptions prepares the paho options including the offline Will on the
// bridge state topic.
func ClientOptions(servers []string, user, pass string, opts Options) (*mqtt.ClientOptions, error) {
	opts.defaults()
	o := mqtt.NewClientOptions()
	for _, s := range servers {
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("failed to parse URL: %q with: %w", s, err)
		}
		o.Servers = append(o.Servers, u)
	}
	o.SetClientID("efriends_" + strings.ReplaceAll(opts.BaseTopic, "/", "_"))
	o.Username = user
	o.Password = pass
	o.AutoReconnect = true
	o.SetWill(bridgeStateTopic(opts.BaseTopic), PayloadOffline, 0, true)
	return o, nil
}

// Sink publishes every state retained on <base>/sensor/<unique id>/state.
type Sink struct {
	client mqtt.Client
	opts   Options
	byID   map[string]sensor.Meta
}

func New(client mqtt.Client, opts Options) *Sink {
	opts.defaults()
	byID := make(map[string]sensor.Meta, len(sensor.All))
	for _, m := range sensor.All {
		byID[m.EntityID()] = m
	}
	return &Sink{client: client, opts: opts, byID: byID}
}

func bridgeStateTopic(baseTopic string) string {
	return fmt.Sprintf("%s/bridge/state", baseTopic)
}

func (s *Sink) BridgeStateTopic() string {
	return bridgeStateTopic(s.opts.BaseTopic)
}

func (s *Sink) StateTopic(m sensor.Meta) string {
	return fmt.Sprintf("%s/sensor/%s/state", s.opts.BaseTopic, m.UniqueID())
}

func (s *Sink) AttributesTopic(m sensor.Meta) string {
	return fmt.Sprintf("%s/sensor/%s/attributes", s.opts.BaseTopic, m.UniqueID())
}

// PublishState implements bus.Sink.
func (s *Sink) PublishState(entityID string, st sensor.State) {
	m, ok := s.byID[entityID]
	if !ok {
		s.opts.Log.Warn("no mqtt topic for entity", zap.String("entity", entityID))
		return
	}
	s.publish(s.StateTopic(m), st.String())
	if st.Attributes != nil {
		payload, err := json.Marshal(st.Attributes)
		if err != nil {
			s.opts.Log.Error("failed to encode attributes", zap.String("entity", entityID), zap.Error(err))
			return
		}
		s.publish(s.AttributesTopic(m), payload)
	}
}

// Online marks the bridge as available.
func (s *Sink) Online() {
	s.publish(s.BridgeStateTopic(), PayloadOnline)
}

// Offline marks the bridge as unavailable and waits for the broker. A clean
// disconnect drops the Will, so this has to run before Disconnect.
func (s *Sink) Offline() error {
	topic := s.BridgeStateTopic()
	token := s.client.Publish(topic, 0, true, PayloadOffline)
	if !token.WaitTimeout(s.opts.Timeout) {
		return fmt.Errorf("mqtt publish to %q timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %q: %w", topic, err)
	}
	return nil
}

func (s *Sink) publish(topic string, payload any) {
	token := s.client.Publish(topic, 0, true, payload)
	go func() {
		if !token.WaitTimeout(s.opts.Timeout) {
			s.opts.Log.Warn("mqtt publish timed out", zap.String("topic", topic))
			return
		}
		if err := token.Error(); err != nil {
			s.opts.Log.Error("mqtt publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}()
}
