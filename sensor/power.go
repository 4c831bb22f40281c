package sensor

import (
	"context"

	"github.com/SchumacherFM/prometheus_efriends_exporter/cube"
	"go.uber.org/zap"
)

// Fetcher is satisfied by *cube.Client.
type Fetcher interface {
	Fetch(ctx context.Context) cube.Payload
}

// PowerSensor publishes the negated energy balance of the Cube so that
// positive values mean consumption. The per phase powers are attached as
// attributes.
type PowerSensor struct {
	meta    Meta
	fetcher Fetcher
	opts    Options
	value   *float64
	attrs   map[string]*float64
}

func NewPowerSensor(fetcher Fetcher, opts Options) *PowerSensor {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &PowerSensor{meta: MetaPower, fetcher: fetcher, opts: opts}
}

func (p *PowerSensor) Meta() Meta { return p.meta }

func (p *PowerSensor) Value() *float64 { return p.value }

func (p *PowerSensor) Attributes() map[string]*float64 { return p.attrs }

// Update polls the device once and publishes the result.
func (p *PowerSensor) Update(ctx context.Context) {
	data := p.fetcher.Fetch(ctx)
	if ctx.Err() != nil {
		// torn down while fetching
		return
	}

	p.value = negate(data.EnergyBalance)
	p.attrs = map[string]*float64{
		cube.KeyPower1Watt: negate(data.Power1Watt),
		cube.KeyPower2Watt: negate(data.Power2Watt),
		cube.KeyPower3Watt: negate(data.Power3Watt),
	}
	p.opts.Publisher.Publish(p.meta.EntityID(), State{Value: p.value, Attributes: p.attrs})
}

func negate(v *float64) *float64 {
	if v == nil {
		return nil
	}
	n := 0 - *v // no negative zero
	return &n
}
