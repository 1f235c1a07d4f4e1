// Package resolver orchestrates the bounded wait between "accessory
// connected" and "battery level presented". A fresh connection rarely has a
// battery value ready anywhere, so the resolver forces a fusion refresh,
// kicks off a live protocol read, and polls the cache until a value lands
// or the wait budget expires, then presents either the value or unknown.
package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/batfuse/internal/fusion"
	"github.com/srg/batfuse/internal/identity"
	"github.com/srg/batfuse/internal/livereader"
)

// Device is one connected accessory, alive only for the duration of its
// connection.
type Device struct {
	Name    string
	Address string
	Kind    string // classifier token, passed through untouched
}

// Presenter receives the resolved (device, battery-or-nil) pair. A nil
// battery means no source answered within the wait budget.
type Presenter interface {
	Present(dev Device, battery *int)
}

// Classifier maps a device name to an opaque icon token. Owned by an
// external collaborator; the resolver only passes its output along.
type Classifier func(name string) string

// slot is one device's active poll loop. At most one slot exists per
// device; a newer connection event cancels and replaces it.
type slot struct {
	cancel context.CancelFunc
}

// Resolver drives battery resolution for connection events.
type Resolver struct {
	cache     *fusion.Cache
	reader    *livereader.Reader
	presenter Presenter
	classify  Classifier
	logger    *logrus.Logger

	pollInterval time.Duration
	pollTimeout  time.Duration

	mu    sync.Mutex
	slots map[identity.Key]*slot
}

// Options tunes the resolver's poll loop. Zero fields take their defaults.
type Options struct {
	PollInterval time.Duration `default:"300ms"`
	PollTimeout  time.Duration `default:"1800ms"`
	Classifier   Classifier
}

// New builds a resolver over the fusion cache and live reader.
func New(cache *fusion.Cache, reader *livereader.Reader, presenter Presenter, opts Options, logger *logrus.Logger) *Resolver {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
	}
	return &Resolver{
		cache:        cache,
		reader:       reader,
		presenter:    presenter,
		classify:     opts.Classifier,
		logger:       logger,
		pollInterval: opts.PollInterval,
		pollTimeout:  opts.PollTimeout,
		slots:        make(map[identity.Key]*slot),
	}
}

// HandleConnect processes a new-connection event. A cached value presents
// immediately; otherwise a bounded poll loop starts. A repeated event for
// the same device cancels and restarts its loop rather than stacking.
func (r *Resolver) HandleConnect(name, address string) {
	addrKey := identity.NormalizeAddress(address)
	nameKey := identity.NormalizeName(name)

	dev := Device{Name: name, Address: address}
	if r.classify != nil {
		dev.Kind = r.classify(name)
	}

	if addrKey.IsZero() && nameKey.IsZero() {
		r.logger.WithField("device", name).Warn("Accessory has no usable identity, presenting unknown")
		r.presenter.Present(dev, nil)
		return
	}

	if lvl, ok := r.cache.Lookup(addrKey, nameKey); ok {
		r.logger.WithFields(logrus.Fields{
			"device": name,
			"level":  lvl,
		}).Debug("Battery level already fused, presenting immediately")
		r.presenter.Present(dev, &lvl)
		return
	}

	slotKey := addrKey
	if slotKey.IsZero() {
		slotKey = nameKey
	}
	ctx, s := r.acquireSlot(slotKey)
	go r.resolve(ctx, dev, addrKey, nameKey, slotKey, s)
}

// HandleDisconnect cancels any poll loop waiting on the device. Nothing is
// presented for a device that leaves mid-wait.
func (r *Resolver) HandleDisconnect(name, address string) {
	slotKey := identity.NormalizeAddress(address)
	if slotKey.IsZero() {
		slotKey = identity.NormalizeName(name)
	}
	if slotKey.IsZero() {
		return
	}

	r.mu.Lock()
	s, ok := r.slots[slotKey]
	if ok {
		delete(r.slots, slotKey)
	}
	r.mu.Unlock()

	if ok {
		s.cancel()
		r.logger.WithField("device", name).Debug("Cancelled battery resolution for disconnected accessory")
	}
}

// RefreshConnectedDeviceBatteries forces one fusion cycle. Idempotent and
// callable by any collaborator that suspects staleness, e.g. after the host
// wakes from sleep.
func (r *Resolver) RefreshConnectedDeviceBatteries(ctx context.Context) {
	r.cache.Refresh(ctx, true)
}

// acquireSlot cancels any existing loop for the key and registers a new one.
func (r *Resolver) acquireSlot(key identity.Key) (context.Context, *slot) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &slot{cancel: cancel}

	r.mu.Lock()
	old := r.slots[key]
	r.slots[key] = s
	r.mu.Unlock()

	if old != nil {
		old.cancel()
	}
	return ctx, s
}

// releaseSlot removes the slot only if it is still the registered one; a
// newer connection event may have replaced it already.
func (r *Resolver) releaseSlot(key identity.Key, s *slot) {
	r.mu.Lock()
	if r.slots[key] == s {
		delete(r.slots, key)
	}
	r.mu.Unlock()
	s.cancel()
}

// resolve runs the bounded wait: force a refresh, submit a live lookup,
// poll the cache, and present the first hit or unknown at the deadline.
func (r *Resolver) resolve(ctx context.Context, dev Device, addrKey, nameKey, slotKey identity.Key, s *slot) {
	defer r.releaseSlot(slotKey, s)

	go r.cache.Refresh(ctx, true)

	if dev.Address != "" {
		lookup := livereader.Lookup{
			PlatformID: dev.Address,
			AddressKey: addrKey,
			NameKey:    nameKey,
		}
		go r.reader.Fetch(ctx, []livereader.Lookup{lookup}, func(res livereader.Result) {
			r.cache.Store(res.AddressKey, res.NameKey, res.Level)
		})
	}

	deadline := time.NewTimer(r.pollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Disconnected or superseded by a newer event; present nothing.
			return
		case <-deadline.C:
			if r.cache.NoteMissing(addrKey, nameKey) {
				r.logger.WithField("device", dev.Name).Warn("No battery source answered for accessory")
			}
			r.presenter.Present(dev, nil)
			return
		case <-ticker.C:
			if lvl, ok := r.cache.Lookup(addrKey, nameKey); ok {
				r.presenter.Present(dev, &lvl)
				return
			}
		}
	}
}
