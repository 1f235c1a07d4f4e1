package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/batfuse/internal/fusion"
	"github.com/srg/batfuse/internal/identity"
	"github.com/srg/batfuse/internal/livereader"
	"github.com/srg/batfuse/internal/probe"
)

type presented struct {
	dev     Device
	battery *int
}

// recordingPresenter captures presentations and signals each one on a channel.
type recordingPresenter struct {
	mu    sync.Mutex
	calls []presented
	ch    chan presented
}

func newRecordingPresenter() *recordingPresenter {
	return &recordingPresenter{ch: make(chan presented, 8)}
}

func (p *recordingPresenter) Present(dev Device, battery *int) {
	p.mu.Lock()
	p.calls = append(p.calls, presented{dev: dev, battery: battery})
	p.mu.Unlock()
	p.ch <- presented{dev: dev, battery: battery}
}

func (p *recordingPresenter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// delayedProbe returns its snapshot after a fixed delay, simulating a slow
// platform utility answering mid-poll.
type delayedProbe struct {
	delay time.Duration
	snap  *probe.Snapshot
}

func (p *delayedProbe) Name() string { return "delayed" }

func (p *delayedProbe) Collect(ctx context.Context) (*probe.Snapshot, error) {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if p.snap == nil {
		return probe.NewSnapshot(), nil
	}
	return p.snap, nil
}

func snapWith(nameKey identity.Key, pct int) *probe.Snapshot {
	snap := probe.NewSnapshot()
	snap.Add(probe.Reading{NameKey: nameKey, Percent: pct})
	return snap
}

// deadDialer never reaches anything; the scan blocks until the batch ends.
type deadDialer struct{}

func (deadDialer) Dial(context.Context, string) (livereader.Peripheral, error) {
	return nil, errors.New("peripheral not reachable")
}

func (deadDialer) Scan(ctx context.Context, _ func(livereader.ScanMatch)) error {
	<-ctx.Done()
	return nil
}

// levelDialer serves one peripheral answering the standard battery read.
type levelDialer struct {
	level byte
}

func (d *levelDialer) Dial(context.Context, string) (livereader.Peripheral, error) {
	return &levelPeripheral{level: d.level}, nil
}

func (d *levelDialer) Scan(ctx context.Context, _ func(livereader.ScanMatch)) error {
	<-ctx.Done()
	return nil
}

type levelPeripheral struct{ level byte }

func (p *levelPeripheral) DiscoverService(string) (livereader.Service, error) {
	return &levelService{level: p.level}, nil
}

func (p *levelPeripheral) Close() error { return nil }

type levelService struct{ level byte }

func (s *levelService) DiscoverCharacteristic(string) (livereader.Characteristic, error) {
	return &levelCharacteristic{level: s.level}, nil
}

type levelCharacteristic struct{ level byte }

func (c *levelCharacteristic) Read() ([]byte, error) { return []byte{c.level}, nil }

func newTestResolver(probes []probe.BatteryProbe, dialer livereader.Dialer, presenter Presenter, opts Options) *Resolver {
	cache := fusion.NewCache(probes, 0, nil)
	reader := livereader.NewReader(dialer, time.Second, nil)
	return New(cache, reader, presenter, opts, nil)
}

func fastOpts() Options {
	return Options{PollInterval: 20 * time.Millisecond, PollTimeout: 250 * time.Millisecond}
}

func TestNew_ZeroOptionsTakeDefaults(t *testing.T) {
	r := newTestResolver(nil, deadDialer{}, newRecordingPresenter(), Options{})
	assert.Equal(t, 300*time.Millisecond, r.pollInterval)
	assert.Equal(t, 1800*time.Millisecond, r.pollTimeout)
}

func TestHandleConnect_CachedValuePresentsImmediately(t *testing.T) {
	presenter := newRecordingPresenter()
	r := newTestResolver(nil, deadDialer{}, presenter, fastOpts())
	r.cache.Store("aabbccddeeff", "myearbuds", 73)

	start := time.Now()
	r.HandleConnect("My Earbuds", "AA:BB:CC:DD:EE:FF")

	select {
	case got := <-presenter.ch:
		require.NotNil(t, got.battery)
		assert.Equal(t, 73, *got.battery)
		assert.Equal(t, "My Earbuds", got.dev.Name)
		assert.Less(t, time.Since(start), 100*time.Millisecond, "cache hit must not wait on the poll loop")
	case <-time.After(time.Second):
		t.Fatal("no presentation for cached value")
	}
}

func TestHandleConnect_ValueArrivingMidPollPresentsEarly(t *testing.T) {
	presenter := newRecordingPresenter()
	p := &delayedProbe{delay: 60 * time.Millisecond, snap: snapWith("myearbuds", 90)}
	r := newTestResolver([]probe.BatteryProbe{p}, deadDialer{}, presenter, Options{
		PollInterval: 20 * time.Millisecond,
		PollTimeout:  time.Second,
	})

	start := time.Now()
	r.HandleConnect("My Earbuds", "")

	select {
	case got := <-presenter.ch:
		require.NotNil(t, got.battery)
		assert.Equal(t, 90, *got.battery)
		assert.Less(t, time.Since(start), 500*time.Millisecond, "a value landing mid-poll must present before the deadline")
	case <-time.After(2 * time.Second):
		t.Fatal("no presentation before test deadline")
	}
}

func TestHandleConnect_NoSourcePresentsUnknownAtDeadline(t *testing.T) {
	presenter := newRecordingPresenter()
	r := newTestResolver(nil, deadDialer{}, presenter, fastOpts())

	start := time.Now()
	r.HandleConnect("Silent Speaker", "")

	select {
	case got := <-presenter.ch:
		assert.Nil(t, got.battery)
		assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond, "unknown is presented only after the wait budget")
	case <-time.After(2 * time.Second):
		t.Fatal("no presentation at deadline")
	}
}

func TestHandleConnect_LiveReadFeedsCache(t *testing.T) {
	presenter := newRecordingPresenter()
	r := newTestResolver(nil, &levelDialer{level: 64}, presenter, Options{
		PollInterval: 20 * time.Millisecond,
		PollTimeout:  time.Second,
	})

	r.HandleConnect("My Earbuds", "AA:BB:CC:DD:EE:FF")

	select {
	case got := <-presenter.ch:
		require.NotNil(t, got.battery)
		assert.Equal(t, 64, *got.battery)
	case <-time.After(2 * time.Second):
		t.Fatal("live read never reached the presenter")
	}

	// The value resolved live is fused, so a reconnect hits the cache.
	lvl, ok := r.cache.Lookup("aabbccddeeff", "myearbuds")
	require.True(t, ok)
	assert.Equal(t, 64, lvl)
}

func TestHandleDisconnect_CancelsPendingResolution(t *testing.T) {
	presenter := newRecordingPresenter()
	r := newTestResolver(nil, deadDialer{}, presenter, fastOpts())

	r.HandleConnect("My Earbuds", "AA:BB:CC:DD:EE:FF")
	time.Sleep(50 * time.Millisecond)
	r.HandleDisconnect("My Earbuds", "AA:BB:CC:DD:EE:FF")

	// Well past the poll deadline nothing may have been presented.
	time.Sleep(400 * time.Millisecond)
	assert.Zero(t, presenter.count(), "a device that left mid-wait gets no presentation")
}

func TestHandleConnect_RepeatEventReplacesPoll(t *testing.T) {
	presenter := newRecordingPresenter()
	r := newTestResolver(nil, deadDialer{}, presenter, fastOpts())

	r.HandleConnect("My Earbuds", "AA:BB:CC:DD:EE:FF")
	time.Sleep(50 * time.Millisecond)
	r.HandleConnect("My Earbuds", "AA:BB:CC:DD:EE:FF")

	// Only the second loop survives, so exactly one unknown arrives.
	select {
	case got := <-presenter.ch:
		assert.Nil(t, got.battery)
	case <-time.After(2 * time.Second):
		t.Fatal("replacement loop never presented")
	}
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, presenter.count(), "superseded loop must not present")
}

func TestHandleConnect_NoIdentityPresentsUnknown(t *testing.T) {
	presenter := newRecordingPresenter()
	r := newTestResolver(nil, deadDialer{}, presenter, fastOpts())

	r.HandleConnect("", "")

	select {
	case got := <-presenter.ch:
		assert.Nil(t, got.battery)
	case <-time.After(time.Second):
		t.Fatal("identity-less device must still be presented")
	}
}

func TestHandleConnect_ClassifierTokenPassedThrough(t *testing.T) {
	presenter := newRecordingPresenter()
	opts := fastOpts()
	opts.Classifier = func(name string) string { return "headphones" }
	r := newTestResolver(nil, deadDialer{}, presenter, opts)
	r.cache.Store("", "myearbuds", 50)

	r.HandleConnect("My Earbuds", "")

	select {
	case got := <-presenter.ch:
		assert.Equal(t, "headphones", got.dev.Kind)
	case <-time.After(time.Second):
		t.Fatal("no presentation")
	}
}
