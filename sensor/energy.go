package sensor

import (
	"errors"
	"math"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// TickInterval is how often an EnergySensor republishes its total.
const TickInterval = 10 * time.Second

// EnergySensor integrates the power of the entity it observes into kWh. The
// power of the previous observation is held over the elapsed interval (left
// rectangle). Only observations integrate; ticks merely republish.
type EnergySensor struct {
	meta Meta
	opts EnergyOptions

	kwh           float64
	lastPower     *float64
	lastTimestamp time.Time
}

type EnergyOptions struct {
	Options
	// Now defaults to time.Now.
	Now func() time.Time
}

func NewEnergySensor(meta Meta, opts EnergyOptions) *EnergySensor {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &EnergySensor{meta: meta, opts: opts}
}

func (e *EnergySensor) Meta() Meta { return e.meta }

// Restore seeds the total from the last persisted value. Missing or broken
// values start the total at zero.
func (e *EnergySensor) Restore(store Store) {
	e.kwh = 0
	raw, ok := store.LoadLastValue(e.meta.EntityID())
	if !ok {
		return
	}
	v, err := ParseState(raw)
	switch {
	case errors.Is(err, ErrNoData):
		return
	case err != nil:
		e.opts.Log.Warn("could not parse restored state", zap.String("entity", e.meta.EntityID()), zap.String("state", raw), zap.Error(err))
		return
	}
	e.kwh = v
	e.opts.Log.Debug("restored previous energy total", zap.String("entity", e.meta.EntityID()), zap.Float64("kwh", e.kwh))
}

func (e *EnergySensor) OnObservation(state string) {
	e.opts.Log.Debug("state changed", zap.String("entity", e.meta.EntityID()), zap.String("state", state))
	p, err := ParseState(state)
	if errors.Is(err, ErrNoData) {
		return
	}
	if err != nil {
		e.opts.Log.Warn("invalid power value", zap.String("entity", e.meta.EntityID()), zap.String("state", state), zap.Error(err))
		return
	}

	now := e.opts.Now()
	if e.lastPower != nil {
		dtHours := now.Sub(e.lastTimestamp).Hours()
		// keeps kwh monotonic: negative held power or a clock jumping back adds nothing
		if dtHours > 0 && *e.lastPower > 0 {
			e.kwh += *e.lastPower * dtHours / 1000.0
		}
		e.opts.Log.Debug("current energy", zap.String("entity", e.meta.EntityID()), zap.Float64("kwh", e.kwh))
	}
	e.lastPower = lo.ToPtr(p)
	e.lastTimestamp = now

	e.publish()
}

func (e *EnergySensor) OnTick() {
	e.publish()
}

// Value is the total rounded to Wh resolution.
func (e *EnergySensor) Value() float64 {
	return math.Round(e.kwh*1000) / 1000
}

// Total is the unrounded accumulated energy.
func (e *EnergySensor) Total() float64 {
	return e.kwh
}

func (e *EnergySensor) publish() {
	e.opts.Publisher.Publish(e.meta.EntityID(), State{Value: lo.ToPtr(e.Value())})
}
