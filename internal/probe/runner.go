package probe

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// commandRunner abstracts subprocess invocation so probe parsers can be
// tested without spawning the platform utilities.
type commandRunner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// execRunner launches the utility and captures stdout. No internal timeout
// beyond the caller's context: these are fast local utilities bounded by the
// OS's own defaults.
type execRunner struct{}

func (execRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return stdout.Bytes(), nil
}

// Throttled wraps a subprocess-backed probe with single-flight and a
// cooldown. Repeated collection requests within the cooldown window are
// served the previous snapshot instead of respawning the utility. A
// concurrent request while one launch is in flight does not wait either;
// it also gets the cached snapshot.
type Throttled struct {
	inner    BatteryProbe
	cooldown time.Duration
	logger   *logrus.Logger

	mu       sync.Mutex
	inFlight bool
	lastRun  time.Time
	lastSnap *Snapshot
}

// NewThrottled wraps probe with a single-flight cooldown guard.
func NewThrottled(inner BatteryProbe, cooldown time.Duration, logger *logrus.Logger) *Throttled {
	if logger == nil {
		logger = logrus.New()
	}
	return &Throttled{
		inner:    inner,
		cooldown: cooldown,
		logger:   logger,
		lastSnap: NewSnapshot(),
	}
}

func (t *Throttled) Name() string {
	return t.inner.Name()
}

// Collect runs the wrapped probe unless it ran within the cooldown or is
// already running, in which case the previous snapshot is returned.
func (t *Throttled) Collect(ctx context.Context) (*Snapshot, error) {
	t.mu.Lock()
	if t.inFlight || (!t.lastRun.IsZero() && time.Since(t.lastRun) < t.cooldown) {
		snap := t.lastSnap
		t.mu.Unlock()
		t.logger.WithField("probe", t.inner.Name()).Debug("Probe throttled, serving cached snapshot")
		return snap, nil
	}
	t.inFlight = true
	t.mu.Unlock()

	snap, err := t.inner.Collect(ctx)
	if snap == nil {
		snap = NewSnapshot()
	}

	t.mu.Lock()
	t.inFlight = false
	t.lastRun = time.Now()
	if err == nil {
		t.lastSnap = snap
	}
	t.mu.Unlock()

	return snap, err
}
