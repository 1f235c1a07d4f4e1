// Package probe implements the synchronous battery sources: the hardware
// registry, the pairing-preferences store, the structured inventory utility,
// and the free-text power utility. Each source is a BatteryProbe producing a
// Snapshot of identity-keyed battery percentages; the fusion layer merges
// snapshots without knowing which utility they came from, so a changed or
// new platform format only ever touches one probe.
package probe

import (
	"context"
	"math"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/batfuse/internal/identity"
)

// BatteryProbe is one battery source. Collect must fail closed: when the
// underlying utility is missing, exits non-zero, or produces unparseable
// output, it returns an empty snapshot and an error describing why. The
// caller logs and moves on with one fewer source for the cycle.
type BatteryProbe interface {
	Name() string
	Collect(ctx context.Context) (*Snapshot, error)
}

// Reading is one battery observation extracted from a source. Ephemeral:
// consumed immediately into a Snapshot, never persisted.
type Reading struct {
	AddressKeys []identity.Key
	NameKey     identity.Key
	Percent     int
}

// Snapshot holds one probe's readings keyed by normalized address and name.
type Snapshot struct {
	ByAddress map[identity.Key]int
	ByName    map[identity.Key]int
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		ByAddress: make(map[identity.Key]int),
		ByName:    make(map[identity.Key]int),
	}
}

// Add merges a reading into the snapshot. A key already present keeps the
// higher value, matching the cross-source merge rule.
func (s *Snapshot) Add(r Reading) {
	for _, k := range r.AddressKeys {
		if k.IsZero() {
			continue
		}
		if cur, ok := s.ByAddress[k]; !ok || r.Percent > cur {
			s.ByAddress[k] = r.Percent
		}
	}
	if !r.NameKey.IsZero() {
		if cur, ok := s.ByName[r.NameKey]; !ok || r.Percent > cur {
			s.ByName[r.NameKey] = r.Percent
		}
	}
}

// Empty reports whether the snapshot carries no readings at all.
func (s *Snapshot) Empty() bool {
	return len(s.ByAddress) == 0 && len(s.ByName) == 0
}

// ConvertToPercentage normalizes the three scales accessory firmwares use
// for battery values: a 0–1 fraction, a 0–100 integer, or a string with a
// trailing '%'. Out-of-range values are clamped to [0, 100]. Returns false
// for values that are not battery readings at all.
func ConvertToPercentage(raw interface{}) (int, bool) {
	var f float64

	switch v := raw.(type) {
	case string:
		trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "%"))
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int8:
		f = float64(v)
	case int16:
		f = float64(v)
	case int32:
		f = float64(v)
	case int64:
		f = float64(v)
	case uint:
		f = float64(v)
	case uint8:
		f = float64(v)
	case uint16:
		f = float64(v)
	case uint32:
		f = float64(v)
	case uint64:
		f = float64(v)
	default:
		return 0, false
	}

	switch {
	case f < 0:
		return 0, true
	case f <= 1:
		// Fraction scale: 0.73 and literal 1 both mean a full-range value.
		return int(math.Round(f * 100)), true
	case f > 100:
		return 100, true
	default:
		return int(math.Round(f)), true
	}
}

// fieldConverter converts one raw field value to a percentage.
type fieldConverter func(raw interface{}) (int, bool)

// batteryFields is the ranked list of battery field names observed across
// accessory firmwares, in priority order. Split-earbud devices populate
// several of these at once (left/right/case); ExtractPercent reduces them
// by max because the user question is "do I need to charge now".
var batteryFields = newBatteryFieldTable()

func newBatteryFieldTable() *orderedmap.OrderedMap[string, fieldConverter] {
	m := orderedmap.New[string, fieldConverter]()
	for _, field := range []string{
		"BatteryPercent",
		"BatteryPercentCombined",
		"BatteryPercentSingle",
		"BatteryPercentMain",
		"BatteryPercentLeft",
		"BatteryPercentRight",
		"BatteryPercentCase",
		"device_batteryLevel",
		"device_batteryLevelMain",
		"device_batteryLevelLeft",
		"device_batteryLevelRight",
		"device_batteryLevelCase",
	} {
		m.Set(field, ConvertToPercentage)
	}
	return m
}

// ExtractPercent walks the ranked battery fields of a source record in
// priority order and returns the maximum plausible percentage found.
func ExtractPercent(record map[string]interface{}) (int, bool) {
	best := -1
	for pair := batteryFields.Oldest(); pair != nil; pair = pair.Next() {
		raw, ok := record[pair.Key]
		if !ok {
			continue
		}
		if pct, ok := pair.Value(raw); ok && pct > best {
			best = pct
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}
