package probe

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"howett.net/plist"

	"github.com/srg/batfuse/internal/identity"
)

// RegistryProbe reads battery levels the OS has already cached in the
// hardware property tree. Accessories that expose battery over HID land
// under AppleDeviceManagementHIDEventService with a DeviceAddress and one
// or more BatteryPercent* fields.
type RegistryProbe struct {
	runner commandRunner
	logger *logrus.Logger
}

// NewRegistryProbe returns a probe backed by the ioreg utility.
func NewRegistryProbe(logger *logrus.Logger) *RegistryProbe {
	if logger == nil {
		logger = logrus.New()
	}
	return &RegistryProbe{runner: execRunner{}, logger: logger}
}

func (p *RegistryProbe) Name() string {
	return "registry"
}

// Collect enumerates the matched registry entries and extracts one reading
// per entry that carries a battery field.
func (p *RegistryProbe) Collect(ctx context.Context) (*Snapshot, error) {
	out, err := p.runner.Output(ctx, "ioreg", "-a", "-r", "-l", "-n", "AppleDeviceManagementHIDEventService")
	if err != nil {
		p.logger.WithError(err).Debug("Registry utility failed")
		return NewSnapshot(), fmt.Errorf("registry enumeration failed: %w", err)
	}
	return p.parse(out)
}

func (p *RegistryProbe) parse(raw []byte) (*Snapshot, error) {
	var entries []map[string]interface{}
	if _, err := plist.Unmarshal(raw, &entries); err != nil {
		p.logger.WithError(err).Debug("Registry output unparseable")
		return NewSnapshot(), fmt.Errorf("registry output parse failed: %w", err)
	}

	snap := NewSnapshot()
	for _, entry := range entries {
		walkRegistryEntry(entry, snap)
	}
	return snap, nil
}

// walkRegistryEntry extracts a reading from the entry and descends into
// nested child entries. ioreg nests children under IORegistryEntryChildren.
func walkRegistryEntry(entry map[string]interface{}, snap *Snapshot) {
	if pct, ok := ExtractPercent(entry); ok {
		r := Reading{Percent: pct}
		if addr, ok := entry["DeviceAddress"].(string); ok {
			if key := identity.NormalizeAddress(addr); !key.IsZero() {
				r.AddressKeys = append(r.AddressKeys, key)
			}
		}
		if product, ok := entry["Product"].(string); ok {
			r.NameKey = identity.NormalizeName(product)
		}
		if len(r.AddressKeys) > 0 || !r.NameKey.IsZero() {
			snap.Add(r)
		}
	}

	children, ok := entry["IORegistryEntryChildren"].([]interface{})
	if !ok {
		return
	}
	for _, child := range children {
		if dict, ok := child.(map[string]interface{}); ok {
			walkRegistryEntry(dict, snap)
		}
	}
}
