package probe

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/srg/batfuse/internal/identity"
)

// powerLine matches one device line of the power utility's report: a
// leading dash, the device label, an optional parenthetical, and a trailing
// integer percentage. The lazy label group keeps the parenthetical out of
// the label when one is present.
var powerLine = regexp.MustCompile(`^\s*-\s*(.+?)(?:\s*\([^)]*\))?\s+(\d+)%`)

// internalBatteryPrefix marks the host's own battery lines. The text format
// does not otherwise distinguish host from accessory, and this probe exists
// solely for accessories.
const internalBatteryPrefix = "internalbattery"

// PowerProbe invokes the power utility and parses its line-oriented text
// report, one device per line. It only yields name-keyed readings; the
// report carries no hardware addresses.
type PowerProbe struct {
	runner commandRunner
	logger *logrus.Logger
}

// NewPowerProbe returns a probe backed by the pmset utility.
func NewPowerProbe(logger *logrus.Logger) *PowerProbe {
	if logger == nil {
		logger = logrus.New()
	}
	return &PowerProbe{runner: execRunner{}, logger: logger}
}

func (p *PowerProbe) Name() string {
	return "power"
}

// Collect runs the power utility and extracts (label, percent) pairs.
func (p *PowerProbe) Collect(ctx context.Context) (*Snapshot, error) {
	out, err := p.runner.Output(ctx, "pmset", "-g", "ps")
	if err != nil {
		p.logger.WithError(err).Debug("Power utility failed")
		return NewSnapshot(), fmt.Errorf("power report failed: %w", err)
	}
	return p.parse(out), nil
}

func (p *PowerProbe) parse(raw []byte) *Snapshot {
	snap := NewSnapshot()
	for _, line := range strings.Split(string(raw), "\n") {
		m := powerLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		nameKey := identity.NormalizeName(m[1])
		if nameKey.IsZero() || strings.HasPrefix(string(nameKey), internalBatteryPrefix) {
			continue
		}
		pct, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		if pct > 100 {
			pct = 100
		}
		snap.Add(Reading{NameKey: nameKey, Percent: pct})
	}
	return snap
}
