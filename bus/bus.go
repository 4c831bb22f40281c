// Package bus is the event loop the entities live in. It keeps the last state
// of every entity, persists it, mirrors it to sinks and notifies subscribers.
// All entity handlers run on the goroutine calling Run.
package bus

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/SchumacherFM/prometheus_efriends_exporter/sensor"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const DefaultInterval = 10 * time.Second

// Sink mirrors published states to the outside, e.g. MQTT.
type Sink interface {
	PublishState(entityID string, st sensor.State)
}

// Poller is an entity that pulls its value, e.g. *sensor.PowerSensor.
type Poller interface {
	Update(ctx context.Context)
}

// Ticker receives the periodic refresh tick.
type Ticker interface {
	OnTick()
}

type Options struct {
	Log          *zap.Logger
	Store        sensor.Store
	Sinks        []Sink
	PollInterval time.Duration
	TickInterval time.Duration
}

type Bus struct {
	opts Options

	mu        sync.RWMutex
	states    map[string]sensor.State
	observers map[string][]sensor.Observer
}

func New(opts Options) *Bus {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultInterval
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultInterval
	}
	return &Bus{
		opts:      opts,
		states:    make(map[string]sensor.State, 8),
		observers: make(map[string][]sensor.Observer, 8),
	}
}

// Subscribe registers o for state changes of entityID.
func (b *Bus) Subscribe(entityID string, o sensor.Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers[entityID] = append(b.observers[entityID], o)
}

// Publish records st, persists it and notifies sinks and observers
// synchronously.
func (b *Bus) Publish(entityID string, st sensor.State) {
	rendered := st.String()

	b.mu.Lock()
	b.states[entityID] = st
	observers := append([]sensor.Observer(nil), b.observers[entityID]...)
	b.mu.Unlock()

	if b.opts.Store != nil {
		if err := b.opts.Store.SaveValue(entityID, rendered); err != nil {
			b.opts.Log.Error("failed to persist state", zap.String("entity", entityID), zap.Error(err))
		}
	}
	for _, s := range b.opts.Sinks {
		s.PublishState(entityID, st)
	}
	b.opts.Log.Debug("state published", zap.String("entity", entityID), zap.String("state", rendered))

	for _, o := range observers {
		o.OnObservation(rendered)
	}
}

// States returns all published states sorted by entity id.
func (b *Bus) States() []lo.Entry[string, sensor.State] {
	b.mu.RLock()
	entries := lo.Entries(b.states)
	b.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})
	return entries
}

// Run polls once right away, then polls and ticks on the configured
// intervals until ctx is done.
func (b *Bus) Run(ctx context.Context, pollers []Poller, tickers []Ticker) {
	poll := func() {
		for _, p := range pollers {
			p.Update(ctx)
		}
	}
	poll()

	pollT := time.NewTicker(b.opts.PollInterval)
	defer pollT.Stop()
	tickT := time.NewTicker(b.opts.TickInterval)
	defer tickT.Stop()

	for {
		select {
		case <-pollT.C:
			poll()
		case <-tickT.C:
			for _, t := range tickers {
				t.OnTick()
			}
		case <-ctx.Done():
			b.opts.Log.Info("bus stopped", zap.Error(ctx.Err()))
			return
		}
	}
}
