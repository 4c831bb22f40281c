package collector

import (
	"errors"

	"github.com/SchumacherFM/prometheus_efriends_exporter/cube"
	"github.com/SchumacherFM/prometheus_efriends_exporter/sensor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// StateSource is satisfied by *bus.Bus.
type StateSource interface {
	States() []lo.Entry[string, sensor.State]
}

type Collector struct {
	opts               Options
	src                StateSource
	powerDesc          *prometheus.Desc
	phasePowerDesc     *prometheus.Desc
	powerFromGridDesc  *prometheus.Desc
	powerToGridDesc    *prometheus.Desc
	energyFromGridDesc *prometheus.Desc
	energyToGridDesc   *prometheus.Desc
	upDesc             *prometheus.Desc
}

type Options struct {
	Log *zap.Logger
	// Device ends up as the device label, usually the host or balena id.
	Device string
}

var errNoData = errors.New("no energy balance from device")

func NewCollector(src StateSource, opts Options) *Collector {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	labels := []string{"device"}
	return &Collector{
		opts:               opts,
		src:                src,
		powerDesc:          prometheus.NewDesc("efriends_power_watts", "instantaneous power in Watts, positive when consuming from the grid", labels, nil),
		phasePowerDesc:     prometheus.NewDesc("efriends_phase_power_watts", "instantaneous power per phase in Watts", []string{"device", "phase"}, nil),
		powerFromGridDesc:  prometheus.NewDesc("efriends_power_from_grid_watts", "power drawn from the grid in Watts", labels, nil),
		powerToGridDesc:    prometheus.NewDesc("efriends_power_to_grid_watts", "power fed into the grid in Watts", labels, nil),
		energyFromGridDesc: prometheus.NewDesc("efriends_energy_from_grid_kwh", "energy drawn from the grid in kWh, integrated from the power readings", labels, nil),
		energyToGridDesc:   prometheus.NewDesc("efriends_energy_to_grid_kwh", "energy fed into the grid in kWh, integrated from the power readings", labels, nil),
		upDesc:             prometheus.NewDesc("efriends_up", "Whether the last poll delivered an energy balance", []string{"last_error"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.powerDesc
	ch <- c.phasePowerDesc
	ch <- c.powerFromGridDesc
	ch <- c.powerToGridDesc
	ch <- c.energyFromGridDesc
	ch <- c.energyToGridDesc
	ch <- c.upDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if err := c.collect(ch); err == nil {
		ch <- prometheus.MustNewConstMetric(c.upDesc, prometheus.GaugeValue, 1, "")
	} else {
		c.opts.Log.Debug("scrape without data", zap.Error(err))
		ch <- prometheus.MustNewConstMetric(c.upDesc, prometheus.GaugeValue, 0, err.Error())
	}
}

func (c *Collector) collect(ch chan<- prometheus.Metric) error {
	// one snapshot per scrape so all metrics belong to the same poll
	states := lo.FromEntries(c.src.States())

	c.emit(ch, states, c.powerFromGridDesc, prometheus.GaugeValue, sensor.MetaPowerFromGrid)
	c.emit(ch, states, c.powerToGridDesc, prometheus.GaugeValue, sensor.MetaPowerToGrid)
	c.emit(ch, states, c.energyFromGridDesc, prometheus.CounterValue, sensor.MetaEnergyFromGrid)
	c.emit(ch, states, c.energyToGridDesc, prometheus.CounterValue, sensor.MetaEnergyToGrid)

	st, ok := states[sensor.MetaPower.EntityID()]
	if !ok {
		return errNoData
	}
	for phase, key := range map[string]string{"1": cube.KeyPower1Watt, "2": cube.KeyPower2Watt, "3": cube.KeyPower3Watt} {
		if v := st.Attributes[key]; v != nil {
			ch <- prometheus.MustNewConstMetric(c.phasePowerDesc, prometheus.GaugeValue, *v, c.opts.Device, phase)
		}
	}
	if st.Value == nil {
		return errNoData
	}
	ch <- prometheus.MustNewConstMetric(c.powerDesc, prometheus.GaugeValue, *st.Value, c.opts.Device)
	return nil
}

func (c *Collector) emit(ch chan<- prometheus.Metric, states map[string]sensor.State, desc *prometheus.Desc, vt prometheus.ValueType, meta sensor.Meta) {
	st, ok := states[meta.EntityID()]
	if !ok || st.Value == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(desc, vt, *st.Value, c.opts.Device)
}
