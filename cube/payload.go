package cube

import (
	"math"
	"strings"

	"github.com/corestoreio/pkg/util/byteconv"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Payload is the normalized answer of the getCurrentValue command. A nil field
// means the device did not deliver a usable number for it.
type Payload struct {
	EnergyBalance *float64
	Power1Watt    *float64
	Power2Watt    *float64
	Power3Watt    *float64
}

const (
	KeyEnergyBalance = "energyBalance"
	KeyPower1Watt    = "power1Watt"
	KeyPower2Watt    = "power2Watt"
	KeyPower3Watt    = "power3Watt"
)

// fieldPaths maps output keys to their gjson path inside the raw document.
var fieldPaths = []lo.Tuple2[string, string]{
	lo.T2(KeyEnergyBalance, "energyBalance"),
	lo.T2(KeyPower1Watt, "details.power1Watt"),
	lo.T2(KeyPower2Watt, "details.power2Watt"),
	lo.T2(KeyPower3Watt, "details.power3Watt"),
}

// Map returns the payload keyed by the device field names.
func (p Payload) Map() map[string]*float64 {
	return map[string]*float64{
		KeyEnergyBalance: p.EnergyBalance,
		KeyPower1Watt:    p.Power1Watt,
		KeyPower2Watt:    p.Power2Watt,
		KeyPower3Watt:    p.Power3Watt,
	}
}

func (p *Payload) set(key string, v *float64) {
	switch key {
	case KeyEnergyBalance:
		p.EnergyBalance = v
	case KeyPower1Watt:
		p.Power1Watt = v
	case KeyPower2Watt:
		p.Power2Watt = v
	case KeyPower3Watt:
		p.Power3Watt = v
	}
}

// ParsePayload extracts the four known fields from a valid JSON document. Each
// field degrades to nil on its own; siblings are not affected.
func ParsePayload(body []byte, log *zap.Logger) Payload {
	var p Payload
	root := gjson.ParseBytes(body)
	for _, fp := range fieldPaths {
		r := root.Get(fp.B)
		if !r.Exists() {
			continue
		}
		v, ok := toFloat(r)
		if !ok {
			log.Debug("field exists but is not numeric", zap.String("path", fp.B), zap.String("raw", r.Raw))
			continue
		}
		p.set(fp.A, lo.ToPtr(v))
	}
	return p
}

func toFloat(r gjson.Result) (float64, bool) {
	var f float64
	switch r.Type {
	case gjson.Number:
		f = r.Num
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		if s == "" {
			return 0, false
		}
		v, ok, err := byteconv.ParseFloat([]byte(s))
		if err != nil || !ok {
			return 0, false
		}
		f = v
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
