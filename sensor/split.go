package sensor

import (
	"errors"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// PowerFromGrid is the positive part of p.
func PowerFromGrid(p float64) float64 {
	if p > 0 {
		return p
	}
	return 0
}

// PowerToGrid is the negated negative part of p.
func PowerToGrid(p float64) float64 {
	if p < 0 {
		return -p
	}
	return 0
}

// Direction selects which half of the power reading a SplitSensor reports.
type Direction int

const (
	FromGrid Direction = iota
	ToGrid
)

func (d Direction) apply(p float64) float64 {
	if d == ToGrid {
		return PowerToGrid(p)
	}
	return PowerFromGrid(p)
}

type Options struct {
	Log       *zap.Logger
	Publisher Publisher
}

// SplitSensor follows the power entity and publishes one half of its value.
// Invalid observations keep the last value.
type SplitSensor struct {
	meta  Meta
	dir   Direction
	opts  Options
	value *float64
}

func NewSplitSensor(meta Meta, dir Direction, opts Options) *SplitSensor {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &SplitSensor{meta: meta, dir: dir, opts: opts}
}

func (s *SplitSensor) Meta() Meta { return s.meta }

// Value returns the last derived power or nil before the first observation.
func (s *SplitSensor) Value() *float64 { return s.value }

func (s *SplitSensor) OnObservation(state string) {
	s.opts.Log.Debug("state changed", zap.String("entity", s.meta.EntityID()), zap.String("state", state))
	p, err := ParseState(state)
	if errors.Is(err, ErrNoData) {
		return
	}
	if err != nil {
		s.opts.Log.Warn("invalid power value", zap.String("entity", s.meta.EntityID()), zap.String("state", state), zap.Error(err))
		return
	}
	s.value = lo.ToPtr(s.dir.apply(p))
	s.opts.Publisher.Publish(s.meta.EntityID(), State{Value: s.value})
}

// OnTick does nothing; split sensors only change on observations.
func (s *SplitSensor) OnTick() {}
