package probe

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/batfuse/internal/identity"
)

// Accessory is one entry of the inventory report: a currently or previously
// connected wireless accessory.
type Accessory struct {
	Name      string
	Address   string
	Kind      string
	Connected bool
}

// InventoryProbe invokes the structured-inventory utility and parses its
// JSON report. Battery fields appear as nested per-device dictionaries with
// string values like "75%"; percentage extraction reuses the shared
// multi-scale conversion, taking the maximum across candidate fields.
type InventoryProbe struct {
	runner commandRunner
	logger *logrus.Logger
}

// NewInventoryProbe returns a probe backed by the system_profiler utility.
func NewInventoryProbe(logger *logrus.Logger) *InventoryProbe {
	if logger == nil {
		logger = logrus.New()
	}
	return &InventoryProbe{runner: execRunner{}, logger: logger}
}

func (p *InventoryProbe) Name() string {
	return "inventory"
}

// inventoryReport mirrors the top level of the structured report. Device
// entries are single-key objects mapping display name to a property dict,
// so they stay as raw maps here.
type inventoryReport struct {
	Sections []struct {
		Connected    []map[string]json.RawMessage `json:"device_connected"`
		NotConnected []map[string]json.RawMessage `json:"device_not_connected"`
	} `json:"SPBluetoothDataType"`
}

// Collect runs the inventory utility and extracts battery readings for
// every listed device.
func (p *InventoryProbe) Collect(ctx context.Context) (*Snapshot, error) {
	accessories, err := p.enumerate(ctx)
	if err != nil {
		return NewSnapshot(), err
	}
	snap := NewSnapshot()
	for _, a := range accessories {
		if a.percent < 0 {
			continue
		}
		r := Reading{Percent: a.percent, NameKey: identity.NormalizeName(a.info.Name)}
		if key := identity.NormalizeAddress(a.info.Address); !key.IsZero() {
			r.AddressKeys = append(r.AddressKeys, key)
		}
		if len(r.AddressKeys) > 0 || !r.NameKey.IsZero() {
			snap.Add(r)
		}
	}
	return snap, nil
}

// ConnectedAccessories returns the devices the inventory currently reports
// as connected. Used by the connection watcher as its event source.
func (p *InventoryProbe) ConnectedAccessories(ctx context.Context) ([]Accessory, error) {
	accessories, err := p.enumerate(ctx)
	if err != nil {
		return nil, err
	}
	var connected []Accessory
	for _, a := range accessories {
		if a.info.Connected {
			connected = append(connected, a.info)
		}
	}
	return connected, nil
}

// Accessories returns every device the inventory knows about, connected
// or not.
func (p *InventoryProbe) Accessories(ctx context.Context) ([]Accessory, error) {
	accessories, err := p.enumerate(ctx)
	if err != nil {
		return nil, err
	}
	all := make([]Accessory, 0, len(accessories))
	for _, a := range accessories {
		all = append(all, a.info)
	}
	return all, nil
}

type inventoryEntry struct {
	info    Accessory
	percent int // -1 when the record carries no battery field
}

func (p *InventoryProbe) enumerate(ctx context.Context) ([]inventoryEntry, error) {
	out, err := p.runner.Output(ctx, "system_profiler", "-json", "SPBluetoothDataType")
	if err != nil {
		p.logger.WithError(err).Debug("Inventory utility failed")
		return nil, fmt.Errorf("inventory report failed: %w", err)
	}
	return p.parse(out)
}

func (p *InventoryProbe) parse(raw []byte) ([]inventoryEntry, error) {
	var report inventoryReport
	if err := json.Unmarshal(raw, &report); err != nil {
		p.logger.WithError(err).Debug("Inventory report unparseable")
		return nil, fmt.Errorf("inventory report parse failed: %w", err)
	}

	var entries []inventoryEntry
	for _, section := range report.Sections {
		for _, device := range section.Connected {
			entries = append(entries, p.parseDevices(device, true)...)
		}
		for _, device := range section.NotConnected {
			entries = append(entries, p.parseDevices(device, false)...)
		}
	}
	return entries, nil
}

// parseDevices unpacks one single-key name->properties object.
func (p *InventoryProbe) parseDevices(device map[string]json.RawMessage, connected bool) []inventoryEntry {
	var entries []inventoryEntry
	for name, rawProps := range device {
		var props map[string]interface{}
		if err := json.Unmarshal(rawProps, &props); err != nil {
			p.logger.WithError(err).WithField("device", name).Debug("Inventory record unparseable, skipping")
			continue
		}
		entry := inventoryEntry{
			info:    Accessory{Name: name, Connected: connected},
			percent: -1,
		}
		if addr, ok := props["device_address"].(string); ok {
			entry.info.Address = addr
		}
		if kind, ok := props["device_minorType"].(string); ok {
			entry.info.Kind = kind
		}
		if pct, ok := ExtractPercent(props); ok {
			entry.percent = pct
		}
		entries = append(entries, entry)
	}
	return entries
}
