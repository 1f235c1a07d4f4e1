package probe

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"howett.net/plist"

	"github.com/srg/batfuse/internal/identity"
)

const bluetoothPrefsDomain = "/Library/Preferences/com.apple.Bluetooth"

// PreferencesProbe reads the persisted pairing-preferences store. The
// device cache inside it keeps the last battery levels reported while a
// device was connected, keyed by hardware address. Values here can be
// stale, which the fusion merge policy accounts for.
type PreferencesProbe struct {
	runner commandRunner
	logger *logrus.Logger
}

// NewPreferencesProbe returns a probe backed by the defaults utility.
func NewPreferencesProbe(logger *logrus.Logger) *PreferencesProbe {
	if logger == nil {
		logger = logrus.New()
	}
	return &PreferencesProbe{runner: execRunner{}, logger: logger}
}

func (p *PreferencesProbe) Name() string {
	return "preferences"
}

// Collect exports the pairing-preferences domain and extracts one reading
// per cached device record carrying a battery field.
func (p *PreferencesProbe) Collect(ctx context.Context) (*Snapshot, error) {
	out, err := p.runner.Output(ctx, "defaults", "export", bluetoothPrefsDomain, "-")
	if err != nil {
		p.logger.WithError(err).Debug("Preferences export failed")
		return NewSnapshot(), fmt.Errorf("preferences export failed: %w", err)
	}
	return p.parse(out)
}

func (p *PreferencesProbe) parse(raw []byte) (*Snapshot, error) {
	var root map[string]interface{}
	if _, err := plist.Unmarshal(raw, &root); err != nil {
		p.logger.WithError(err).Debug("Preferences output unparseable")
		return NewSnapshot(), fmt.Errorf("preferences parse failed: %w", err)
	}

	snap := NewSnapshot()
	cache, ok := root["DeviceCache"].(map[string]interface{})
	if !ok {
		return snap, nil
	}

	for addr, rawRecord := range cache {
		record, ok := rawRecord.(map[string]interface{})
		if !ok {
			continue
		}
		pct, ok := ExtractPercent(record)
		if !ok {
			continue
		}
		r := Reading{Percent: pct}
		if key := identity.NormalizeAddress(addr); !key.IsZero() {
			r.AddressKeys = append(r.AddressKeys, key)
		}
		if name, ok := record["Name"].(string); ok {
			r.NameKey = identity.NormalizeName(name)
		} else if name, ok := record["DisplayName"].(string); ok {
			r.NameKey = identity.NormalizeName(name)
		}
		if len(r.AddressKeys) > 0 || !r.NameKey.IsZero() {
			snap.Add(r)
		}
	}
	return snap, nil
}
