// Package livereader performs on-demand wireless reads of battery level via
// the standard battery service. A batch of lookups shares one deadline; each
// target walks a fixed connect/discover/read sequence and always reaches
// exactly one terminal outcome, a level or an absence, before the batch
// returns.
package livereader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/batfuse/internal/identity"
)

// Standard battery-reporting service and characteristic (Bluetooth SIG).
const (
	BatteryServiceUUID = "180f"
	BatteryLevelUUID   = "2a19"
)

// DefaultBatchTimeout is the shared deadline for one fetch batch.
const DefaultBatchTimeout = 6 * time.Second

// State tracks one target through the read sequence.
type State int32

const (
	StateIdle State = iota
	StateAwaitingConnection
	StateDiscoveringService
	StateDiscoveringCharacteristic
	StateReadingValue
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingConnection:
		return "awaiting_connection"
	case StateDiscoveringService:
		return "discovering_service"
	case StateDiscoveringCharacteristic:
		return "discovering_characteristic"
	case StateReadingValue:
		return "reading_value"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Lookup identifies one accessory to read. PlatformID is the identifier the
// protocol stack dials directly (vendor-formatted address); either key may
// be empty. A Lookup exists only for the duration of one fetch batch.
type Lookup struct {
	PlatformID string
	AddressKey identity.Key
	NameKey    identity.Key
}

// Result is a successful live read for one target.
type Result struct {
	PlatformID string
	Level      int
	AddressKey identity.Key
	NameKey    identity.Key
}

// ScanMatch is one advertising peripheral observed during the opportunistic
// scan fallback.
type ScanMatch struct {
	PlatformID string
	Name       string
	Address    string
}

// Dialer abstracts the wireless protocol stack so the batch logic is
// testable without hardware.
type Dialer interface {
	// Dial connects to the peripheral with the given platform identifier.
	Dial(ctx context.Context, platformID string) (Peripheral, error)
	// Scan reports peripherals advertising the battery service until the
	// context ends. A nil error includes the context expiring.
	Scan(ctx context.Context, found func(ScanMatch)) error
}

// Peripheral is a connected remote device.
type Peripheral interface {
	DiscoverService(uuid string) (Service, error)
	Close() error
}

// Service is a discovered remote service.
type Service interface {
	DiscoverCharacteristic(uuid string) (Characteristic, error)
}

// Characteristic is a discovered remote characteristic.
type Characteristic interface {
	Read() ([]byte, error)
}

// target is the per-lookup state machine instance.
type target struct {
	lookup   Lookup
	state    atomic.Int32
	claimed  atomic.Bool // terminal outcome claimed
	scanBusy atomic.Bool // a scan-path attempt is in progress
}

func (t *target) setState(s State) {
	t.state.Store(int32(s))
}

// claim marks the target terminal; only the first caller wins.
func (t *target) claim() bool {
	return t.claimed.CompareAndSwap(false, true)
}

func (t *target) matches(m ScanMatch) bool {
	if t.lookup.PlatformID != "" && t.lookup.PlatformID == m.PlatformID {
		return true
	}
	if !t.lookup.AddressKey.IsZero() && t.lookup.AddressKey == identity.NormalizeAddress(m.Address) {
		return true
	}
	if !t.lookup.NameKey.IsZero() && t.lookup.NameKey == identity.NormalizeName(m.Name) {
		return true
	}
	return false
}

// Reader runs live battery reads in single-flight batches. The underlying
// protocol stack misbehaves under concurrent overlapping scans, so a new
// batch is rejected while one is in flight.
type Reader struct {
	dialer   Dialer
	timeout  time.Duration
	logger   *logrus.Logger
	inFlight atomic.Bool
}

// NewReader builds a reader over the given dialer. A non-positive timeout
// falls back to DefaultBatchTimeout.
func NewReader(dialer Dialer, timeout time.Duration, logger *logrus.Logger) *Reader {
	if timeout <= 0 {
		timeout = DefaultBatchTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Reader{dialer: dialer, timeout: timeout, logger: logger}
}

// Fetch resolves battery levels for the given lookups under one shared
// deadline. Successful reads are passed to deliver (if non-nil) as they
// arrive and also returned. Targets that fail or are still pending at the
// deadline end as absences. If a previous batch is still in flight the call
// returns nil immediately.
func (r *Reader) Fetch(ctx context.Context, lookups []Lookup, deliver func(Result)) []Result {
	if len(lookups) == 0 {
		return nil
	}
	if !r.inFlight.CompareAndSwap(false, true) {
		r.logger.Debug("Live read batch already in flight, rejecting request")
		return nil
	}
	defer r.inFlight.Store(false)

	batchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	targets := make([]*target, len(lookups))
	for i, l := range lookups {
		targets[i] = &target{lookup: l}
	}

	remaining := int32(len(targets))
	resultCh := make(chan Result, len(targets))
	allDone := make(chan struct{})

	// finish records the target's single terminal outcome. res == nil is an
	// absence. Returns false when another path already claimed the target.
	finish := func(t *target, res *Result) bool {
		if !t.claim() {
			return false
		}
		t.setState(StateFinished)
		if res != nil {
			if deliver != nil {
				deliver(*res)
			}
			resultCh <- *res
		}
		if atomic.AddInt32(&remaining, -1) == 0 {
			close(allDone)
		}
		return true
	}

	var wg sync.WaitGroup

	// Direct path: dial every target that carries a platform identifier.
	for _, t := range targets {
		if t.lookup.PlatformID == "" {
			continue
		}
		wg.Add(1)
		go func(t *target) {
			defer wg.Done()
			res, located := r.readTarget(batchCtx, t, t.lookup.PlatformID)
			if located {
				finish(t, res)
			}
			// Not located: leave pending for the scan path.
		}(t)
	}

	// Scan path: consume advertising peripherals opportunistically for any
	// target the direct path has not resolved. First path to finish wins.
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := r.dialer.Scan(batchCtx, func(m ScanMatch) {
			for _, t := range targets {
				if t.claimed.Load() || !t.matches(m) {
					continue
				}
				if !t.scanBusy.CompareAndSwap(false, true) {
					continue
				}
				wg.Add(1)
				go func(t *target, platformID string) {
					defer wg.Done()
					res, located := r.readTarget(batchCtx, t, platformID)
					if located {
						finish(t, res)
					} else {
						t.scanBusy.Store(false)
					}
				}(t, m.PlatformID)
			}
		})
		if err != nil {
			r.logger.WithError(err).Debug("Battery service scan ended with error")
		}
	}()

	select {
	case <-allDone:
	case <-batchCtx.Done():
	}
	cancel()

	// Targets still pending at the deadline are absences.
	for _, t := range targets {
		if t.claim() {
			t.setState(StateFinished)
			r.logger.WithFields(logrus.Fields{
				"platform_id": t.lookup.PlatformID,
				"name_key":    string(t.lookup.NameKey),
			}).Debug("Live read target did not resolve before deadline")
		}
	}

	wg.Wait()
	close(resultCh)

	results := make([]Result, 0, len(targets))
	for res := range resultCh {
		results = append(results, res)
	}
	return results
}

// readTarget runs the connect/discover/read sequence for one target.
// located reports whether a candidate peripheral was reached at all: a
// failed dial leaves the target unresolved (the scan path may still find
// it), while any failure after connecting is a terminal absence; retries
// happen only on the next refresh cycle, never within a batch.
func (r *Reader) readTarget(ctx context.Context, t *target, platformID string) (res *Result, located bool) {
	log := r.logger.WithField("platform_id", platformID)

	t.setState(StateAwaitingConnection)
	p, err := r.dialer.Dial(ctx, platformID)
	if err != nil {
		log.WithError(err).Debug("Failed to connect to peripheral")
		t.setState(StateIdle)
		return nil, false
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.WithError(err).Debug("Failed to close peripheral connection")
		}
	}()

	t.setState(StateDiscoveringService)
	svc, err := p.DiscoverService(BatteryServiceUUID)
	if err != nil {
		log.WithError(err).Debug("Battery service not found")
		return nil, true
	}

	t.setState(StateDiscoveringCharacteristic)
	char, err := svc.DiscoverCharacteristic(BatteryLevelUUID)
	if err != nil {
		log.WithError(err).Debug("Battery level characteristic not found")
		return nil, true
	}

	t.setState(StateReadingValue)
	data, err := char.Read()
	if err != nil || len(data) == 0 {
		log.WithError(err).Debug("Battery level read failed")
		return nil, true
	}

	level := int(data[0])
	if level > 100 {
		level = 100
	}
	log.WithField("level", level).Debug("Live battery read succeeded")
	return &Result{
		PlatformID: platformID,
		Level:      level,
		AddressKey: t.lookup.AddressKey,
		NameKey:    t.lookup.NameKey,
	}, true
}
