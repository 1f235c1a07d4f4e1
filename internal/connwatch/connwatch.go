// Package connwatch turns the polled accessory inventory into discrete
// connect and disconnect events. The platform offers no push notification
// for accessory connections, so the watcher diffs successive inventory
// snapshots on a fixed interval. The poll deliberately bypasses the
// battery-collection cooldown: a connect noticed seconds late defeats the
// whole pipeline, so membership freshness outranks subprocess thrift.
package connwatch

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/batfuse/internal/identity"
	"github.com/srg/batfuse/internal/probe"
)

// DefaultInterval is the inventory poll cadence.
const DefaultInterval = 2 * time.Second

// Lister enumerates currently connected accessories.
type Lister interface {
	ConnectedAccessories(ctx context.Context) ([]probe.Accessory, error)
}

// Watcher polls a Lister and emits an event per membership change. Devices
// connected when the watcher starts are reported as connects on the first
// poll, so a freshly started daemon resolves batteries for accessories that
// were already attached.
type Watcher struct {
	lister       Lister
	interval     time.Duration
	logger       *logrus.Logger
	onConnect    func(probe.Accessory)
	onDisconnect func(probe.Accessory)

	seen map[identity.Key]probe.Accessory
}

// New builds a watcher. A non-positive interval falls back to
// DefaultInterval; nil callbacks are allowed and skipped.
func New(lister Lister, interval time.Duration, onConnect, onDisconnect func(probe.Accessory), logger *logrus.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Watcher{
		lister:       lister,
		interval:     interval,
		logger:       logger,
		onConnect:    onConnect,
		onDisconnect: onDisconnect,
		seen:         make(map[identity.Key]probe.Accessory),
	}
}

// Run polls until the context ends. The first poll happens immediately.
func (w *Watcher) Run(ctx context.Context) error {
	w.poll(ctx)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// accessoryKey picks the stable identity for diffing: address when present,
// display name otherwise.
func accessoryKey(a probe.Accessory) identity.Key {
	if key := identity.NormalizeAddress(a.Address); !key.IsZero() {
		return key
	}
	return identity.NormalizeName(a.Name)
}

// poll diffs one inventory snapshot against the previous one. An inventory
// failure keeps the previous membership untouched rather than reporting
// every device as disconnected.
func (w *Watcher) poll(ctx context.Context) {
	accessories, err := w.lister.ConnectedAccessories(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("Accessory inventory poll failed, keeping previous state")
		return
	}

	current := make(map[identity.Key]probe.Accessory, len(accessories))
	for _, a := range accessories {
		key := accessoryKey(a)
		if key.IsZero() {
			continue
		}
		current[key] = a
		if _, known := w.seen[key]; !known {
			w.logger.WithFields(logrus.Fields{
				"device":  a.Name,
				"address": a.Address,
			}).Info("Accessory connected")
			if w.onConnect != nil {
				w.onConnect(a)
			}
		}
	}

	for key, a := range w.seen {
		if _, still := current[key]; !still {
			w.logger.WithFields(logrus.Fields{
				"device":  a.Name,
				"address": a.Address,
			}).Info("Accessory disconnected")
			if w.onDisconnect != nil {
				w.onDisconnect(a)
			}
		}
	}

	w.seen = current
}
