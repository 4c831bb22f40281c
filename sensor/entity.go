// Package sensor derives the eFriends entities from the Cube energy balance:
// the instantaneous power, its split into grid import and export, and the
// energy totals integrated from that split.
package sensor

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/corestoreio/pkg/util/byteconv"
)

const (
	Domain = "eFriendsHA"

	NamePower          = "Power"
	NamePowerFromGrid  = "PowerFromGrid"
	NamePowerToGrid    = "PowerToGrid"
	NameEnergyFromGrid = "EnergyFromGrid"
	NameEnergyToGrid   = "EnergyToGrid"

	StateUnknown     = "unknown"
	StateUnavailable = "unavailable"
)

// ErrNoData is returned by ParseState for the unknown and unavailable states.
var ErrNoData = errors.New("state carries no data")

// State is what an entity publishes: an optional value plus optional
// attributes. A nil Value is rendered as "unknown".
type State struct {
	Value      *float64
	Attributes map[string]*float64
}

func (s State) String() string {
	if s.Value == nil {
		return StateUnknown
	}
	return strconv.FormatFloat(*s.Value, 'f', -1, 64)
}

// Publisher receives state updates of entities.
type Publisher interface {
	Publish(entityID string, st State)
}

// Observer gets the rendered state of the entity it is subscribed to and a
// periodic tick.
type Observer interface {
	OnObservation(state string)
	OnTick()
}

// Store keeps the last published value per entity across restarts.
type Store interface {
	LoadLastValue(key string) (string, bool)
	SaveValue(key, value string) error
}

// ParseState converts a published state string back into watts or kWh.
func ParseState(state string) (float64, error) {
	s := strings.TrimSpace(state)
	switch s {
	case "", StateUnknown, StateUnavailable:
		return 0, ErrNoData
	}
	f, ok, err := byteconv.ParseFloat([]byte(s))
	if err != nil {
		return 0, err
	}
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, strconv.ErrSyntax
	}
	return f, nil
}

// Meta describes an entity towards Home Assistant.
type Meta struct {
	Name        string
	Icon        string
	DeviceClass string
	StateClass  string
	Unit        string
}

// UniqueID is the Home Assistant unique id, e.g. eFriendsHA_Power.
func (m Meta) UniqueID() string {
	return Domain + "_" + m.Name
}

// EntityID is the id other entities subscribe to, e.g. sensor.eFriendsHA_Power.
func (m Meta) EntityID() string {
	return "sensor." + m.UniqueID()
}

var (
	MetaPower = Meta{
		Name: NamePower, Icon: "mdi:flash", DeviceClass: "power", StateClass: "measurement", Unit: "W",
	}
	MetaPowerFromGrid = Meta{
		Name: NamePowerFromGrid, Icon: "mdi:flash", DeviceClass: "power", StateClass: "measurement", Unit: "W",
	}
	MetaPowerToGrid = Meta{
		Name: NamePowerToGrid, Icon: "mdi:flash", DeviceClass: "power", StateClass: "measurement", Unit: "W",
	}
	MetaEnergyFromGrid = Meta{
		Name: NameEnergyFromGrid, Icon: "mdi:lightning-bolt", DeviceClass: "energy", StateClass: "total_increasing", Unit: "kWh",
	}
	MetaEnergyToGrid = Meta{
		Name: NameEnergyToGrid, Icon: "mdi:lightning-bolt", DeviceClass: "energy", StateClass: "total_increasing", Unit: "kWh",
	}
)

// All lists the five entities in registration order.
var All = []Meta{MetaPower, MetaPowerFromGrid, MetaPowerToGrid, MetaEnergyFromGrid, MetaEnergyToGrid}
