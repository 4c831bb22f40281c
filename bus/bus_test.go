package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SchumacherFM/prometheus_efriends_exporter/cube"
	"github.com/SchumacherFM/prometheus_efriends_exporter/sensor"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mapStore struct {
	mu sync.Mutex
	m  map[string]string
}

func (s *mapStore) LoadLastValue(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *mapStore) SaveValue(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

type sinkRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (s *sinkRecorder) PublishState(entityID string, _ sensor.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, entityID)
}

type fetcher struct {
	mu      sync.Mutex
	balance *float64
}

func (f *fetcher) set(v *float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance = v
}

func (f *fetcher) Fetch(context.Context) cube.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cube.Payload{EnergyBalance: f.balance}
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time      { return c.now }
func (c *clock) Add(d time.Duration) { c.now = c.now.Add(d) }

type wiring struct {
	bus        *Bus
	store      *mapStore
	sink       *sinkRecorder
	power      *sensor.PowerSensor
	energyFrom *sensor.EnergySensor
	energyTo   *sensor.EnergySensor
}

func wire(t *testing.T, f sensor.Fetcher, c *clock, store *mapStore) wiring {
	t.Helper()
	log, _ := zap.NewDevelopment(zap.Development())
	sink := &sinkRecorder{}
	b := New(Options{Log: log, Store: store, Sinks: []Sink{sink}})

	opts := sensor.Options{Log: log, Publisher: b}
	power := sensor.NewPowerSensor(f, opts)
	from := sensor.NewSplitSensor(sensor.MetaPowerFromGrid, sensor.FromGrid, opts)
	to := sensor.NewSplitSensor(sensor.MetaPowerToGrid, sensor.ToGrid, opts)
	eFrom := sensor.NewEnergySensor(sensor.MetaEnergyFromGrid, sensor.EnergyOptions{Options: opts, Now: c.Now})
	eTo := sensor.NewEnergySensor(sensor.MetaEnergyToGrid, sensor.EnergyOptions{Options: opts, Now: c.Now})
	eFrom.Restore(store)
	eTo.Restore(store)

	b.Subscribe(sensor.MetaPower.EntityID(), from)
	b.Subscribe(sensor.MetaPower.EntityID(), to)
	b.Subscribe(sensor.MetaPowerFromGrid.EntityID(), eFrom)
	b.Subscribe(sensor.MetaPowerToGrid.EntityID(), eTo)

	return wiring{bus: b, store: store, sink: sink, power: power, energyFrom: eFrom, energyTo: eTo}
}

func value(t *testing.T, b *Bus, entityID string) string {
	t.Helper()
	st, ok := lo.FromEntries(b.States())[entityID]
	require.True(t, ok, entityID)
	return st.String()
}

func TestBus_Chain(t *testing.T) {
	f := &fetcher{balance: lo.ToPtr(-2000.0)}
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	w := wire(t, f, c, &mapStore{m: map[string]string{
		sensor.MetaEnergyFromGrid.EntityID(): "100.5",
	}})
	ctx := context.Background()

	w.power.Update(ctx)
	assert.Equal(t, "2000", value(t, w.bus, sensor.MetaPower.EntityID()))
	assert.Equal(t, "2000", value(t, w.bus, sensor.MetaPowerFromGrid.EntityID()))
	assert.Equal(t, "0", value(t, w.bus, sensor.MetaPowerToGrid.EntityID()))
	assert.Equal(t, "100.5", value(t, w.bus, sensor.MetaEnergyFromGrid.EntityID()))
	assert.Equal(t, "0", value(t, w.bus, sensor.MetaEnergyToGrid.EntityID()))

	c.Add(30 * time.Minute)
	f.set(lo.ToPtr(1000.0))
	w.power.Update(ctx)
	assert.Equal(t, "-1000", value(t, w.bus, sensor.MetaPower.EntityID()))
	assert.Equal(t, "101.5", value(t, w.bus, sensor.MetaEnergyFromGrid.EntityID()))

	c.Add(time.Hour)
	f.set(nil)
	w.power.Update(ctx)
	assert.Equal(t, "unknown", value(t, w.bus, sensor.MetaPower.EntityID()))
	// unknown is no update for the derived entities
	assert.Equal(t, "0", value(t, w.bus, sensor.MetaPowerFromGrid.EntityID()))
	assert.Equal(t, "1000", value(t, w.bus, sensor.MetaPowerToGrid.EntityID()))

	c.Add(time.Hour)
	f.set(lo.ToPtr(0.0))
	w.power.Update(ctx)
	assert.Equal(t, "2", value(t, w.bus, sensor.MetaEnergyToGrid.EntityID()))
	assert.Equal(t, "101.5", value(t, w.bus, sensor.MetaEnergyFromGrid.EntityID()))

	// everything published is persisted and mirrored
	assert.Equal(t, "2", w.store.m[sensor.MetaEnergyToGrid.EntityID()])
	assert.Equal(t, "0", w.store.m[sensor.MetaPower.EntityID()])
	assert.Contains(t, w.sink.ids, sensor.MetaEnergyToGrid.EntityID())

	states := w.bus.States()
	require.Len(t, states, 5)
	assert.Equal(t, sensor.MetaEnergyFromGrid.EntityID(), states[0].Key)
}

func TestBus_RestartRestores(t *testing.T) {
	store := &mapStore{m: map[string]string{}}
	c := &clock{now: time.Unix(0, 0)}
	f := &fetcher{balance: lo.ToPtr(-12345.0)}
	w := wire(t, f, c, store)
	w.power.Update(context.Background())
	c.Add(time.Hour)
	w.power.Update(context.Background())
	require.Equal(t, "12.345", store.m[sensor.MetaEnergyFromGrid.EntityID()])

	w2 := wire(t, f, c, store)
	assert.Equal(t, 12.345, w2.energyFrom.Value())
	assert.Equal(t, 0.0, w2.energyTo.Value())
}

type countingPoller struct{ n atomic.Int32 }

func (p *countingPoller) Update(context.Context) { p.n.Add(1) }

type countingTicker struct{ n atomic.Int32 }

func (p *countingTicker) OnTick() { p.n.Add(1) }

func TestBus_Run(t *testing.T) {
	b := New(Options{PollInterval: 5 * time.Millisecond, TickInterval: 5 * time.Millisecond})
	p := &countingPoller{}
	tk := &countingTicker{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx, []Poller{p}, []Ticker{tk})
		close(done)
	}()

	require.Eventually(t, func() bool {
		return p.n.Load() >= 3 && tk.n.Load() >= 2
	}, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestBus_RunPollsImmediately(t *testing.T) {
	b := New(Options{PollInterval: time.Hour, TickInterval: time.Hour})
	p := &countingPoller{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx, []Poller{p}, nil)
		close(done)
	}()

	require.Eventually(t, func() bool { return p.n.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done
}
