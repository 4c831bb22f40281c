package mqttsink

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/SchumacherFM/prometheus_efriends_exporter/sensor"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Error() error                   { return nil }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type pendingToken struct {
	doneToken
	err error
}

func (p pendingToken) WaitTimeout(time.Duration) bool { return p.err != nil }
func (p pendingToken) Error() error                   { return p.err }

type message struct {
	qos      byte
	retained bool
	payload  string
}

// mockClient only implements Publish; everything else panics via the nil
// embedded interface.
type mockClient struct {
	mqtt.Client
	mu       sync.Mutex
	messages map[string]message
	token    mqtt.Token
}

func (m *mockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	var p string
	switch v := payload.(type) {
	case string:
		p = v
	case []byte:
		p = string(v)
	}
	m.messages[topic] = message{qos: qos, retained: retained, payload: p}
	if m.token != nil {
		return m.token
	}
	return doneToken{}
}

func newSink() (*Sink, *mockClient) {
	mc := &mockClient{messages: map[string]message{}}
	log, _ := zap.NewDevelopment(zap.Development())
	return New(mc, Options{Log: log}), mc
}

func TestSink_PublishState(t *testing.T) {
	s, mc := newSink()

	s.PublishState(sensor.MetaPower.EntityID(), sensor.State{
		Value: lo.ToPtr(-500.0),
		Attributes: map[string]*float64{
			"power1Watt": lo.ToPtr(-200.0),
			"power2Watt": nil,
			"power3Watt": lo.ToPtr(-150.0),
		},
	})
	s.PublishState(sensor.MetaEnergyToGrid.EntityID(), sensor.State{Value: lo.ToPtr(1.234)})
	s.PublishState(sensor.MetaPowerFromGrid.EntityID(), sensor.State{})
	s.PublishState("sensor.something_else", sensor.State{Value: lo.ToPtr(1.0)})

	assert.Equal(t, message{retained: true, payload: "-500"}, mc.messages["efriends/sensor/eFriendsHA_Power/state"])
	assert.JSONEq(t, `{"power1Watt":-200,"power2Watt":null,"power3Watt":-150}`, mc.messages["efriends/sensor/eFriendsHA_Power/attributes"].payload)
	assert.Equal(t, "1.234", mc.messages["efriends/sensor/eFriendsHA_EnergyToGrid/state"].payload)
	assert.Equal(t, "unknown", mc.messages["efriends/sensor/eFriendsHA_PowerFromGrid/state"].payload)
	assert.NotContains(t, mc.messages, "efriends/sensor/eFriendsHA_EnergyToGrid/attributes")
	assert.Len(t, mc.messages, 4)
}

func TestSink_Online(t *testing.T) {
	s, mc := newSink()
	s.Online()
	assert.Equal(t, message{retained: true, payload: "online"}, mc.messages["efriends/bridge/state"])
}

func TestSink_Offline(t *testing.T) {
	s, mc := newSink()
	s.Online()
	require.NoError(t, s.Offline())
	assert.Equal(t, message{retained: true, payload: "offline"}, mc.messages["efriends/bridge/state"])
}

func TestSink_OfflineErrors(t *testing.T) {
	s, mc := newSink()
	mc.token = pendingToken{}
	require.ErrorContains(t, s.Offline(), "timed out")

	mc.token = pendingToken{err: errors.New("not connected")}
	require.ErrorContains(t, s.Offline(), "not connected")
}

func TestSink_Announce(t *testing.T) {
	s, mc := newSink()
	require.Error(t, s.Announce(""))
	require.NoError(t, s.Announce("192.168.1.20"))
	require.Len(t, mc.messages, 5)

	var cfg DiscoveryConfig
	require.NoError(t, json.Unmarshal([]byte(mc.messages["homeassistant/sensor/192_168_1_20/eFriendsHA_Power/config"].payload), &cfg))
	assert.Equal(t, DiscoveryConfig{
		Device: DiscoveryDevice{
			Id:           []string{"192_168_1_20"},
			Manufacturer: "eFriends",
			Model:        "Cube",
			Name:         "eFriendsHA",
		},
		StateTopic:          "efriends/sensor/eFriendsHA_Power/state",
		JSONAttributesTopic: "efriends/sensor/eFriendsHA_Power/attributes",
		StateClass:          "measurement",
		DeviceClass:         "power",
		UnitOfMeasurement:   "W",
		AvTopic:             "efriends/bridge/state",
		Name:                "eFriendsHA_Power",
		UniqueId:            "eFriendsHA_Power",
		Platform:            "mqtt",
		Icon:                "mdi:flash",
	}, cfg)

	var energyCfg DiscoveryConfig
	require.NoError(t, json.Unmarshal([]byte(mc.messages["homeassistant/sensor/192_168_1_20/eFriendsHA_EnergyFromGrid/config"].payload), &energyCfg))
	assert.Equal(t, "total_increasing", energyCfg.StateClass)
	assert.Equal(t, "kWh", energyCfg.UnitOfMeasurement)
	assert.Equal(t, "mdi:lightning-bolt", energyCfg.Icon)
	assert.Empty(t, energyCfg.JSONAttributesTopic)
}

func TestClientOptions(t *testing.T) {
	o, err := ClientOptions([]string{"mqtt://broker:1883"}, "u", "p", Options{BaseTopic: "home/efriends"})
	require.NoError(t, err)
	require.Len(t, o.Servers, 1)
	assert.Equal(t, "broker:1883", o.Servers[0].Host)
	assert.Equal(t, "home/efriends/bridge/state", o.WillTopic)
	assert.Equal(t, []byte("offline"), o.WillPayload)
	assert.True(t, o.WillRetained)
	assert.Equal(t, "efriends_home_efriends", o.ClientID)

	_, err = ClientOptions([]string{"::bad"}, "", "", Options{})
	require.Error(t, err)
}
