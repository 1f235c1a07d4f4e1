package main

import (
	"fmt"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter shows a single updating terminal line with the current
// phase and elapsed (or remaining) seconds.
//
// Usage:
//
//	p := NewProgressPrinter(...)
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use: Start may be called at most once and the
// instance cannot be restarted after Stop. Stop is safe to call multiple
// times and from multiple goroutines.
type ProgressPrinter struct {
	prefix         string
	phase          atomic.Value        // stores string - current phase name
	terminalPhases map[string]struct{} // phases that shut the printer down
	startTime      time.Time
	countdown      time.Duration // zero means count up
	ticker         atomic.Pointer[time.Ticker]
	stopChan       chan struct{}
	done           chan struct{}
	started        atomic.Bool
}

// NewProgressPrinter creates a printer that counts up, showing elapsed time.
// terminalPhases shut the printer down when set via Callback.
func NewProgressPrinter(prefix, phase string, terminalPhases ...string) *ProgressPrinter {
	return newProgressPrinter(prefix, phase, 0, terminalPhases)
}

// NewCountdownProgressPrinter creates a printer that counts down from the
// given duration, showing remaining time.
func NewCountdownProgressPrinter(prefix, phase string, duration time.Duration, terminalPhases ...string) *ProgressPrinter {
	return newProgressPrinter(prefix, phase, duration, terminalPhases)
}

func newProgressPrinter(prefix, phase string, countdown time.Duration, terminalPhases []string) *ProgressPrinter {
	terminal := make(map[string]struct{}, len(terminalPhases))
	for _, p := range terminalPhases {
		terminal[p] = struct{}{}
	}
	p := &ProgressPrinter{
		prefix:         prefix,
		terminalPhases: terminal,
		countdown:      countdown,
	}
	p.phase.Store(phase)
	return p
}

// Start begins displaying progress updates in a background goroutine.
// Panics if called more than once on the same instance.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}

	p.stopChan = make(chan struct{})
	p.done = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	fmt.Printf("\r%s (%s...)   ", p.prefix, p.phase.Load().(string))
	go p.loop(ticker)
}

func (p *ProgressPrinter) loop(ticker *time.Ticker) {
	defer close(p.done)
	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			phase := p.phase.Load().(string)
			if _, terminal := p.terminalPhases[phase]; terminal {
				return
			}
			p.print(phase, p.seconds())
		}
	}
}

// seconds returns the number to display: elapsed when counting up,
// remaining (rounded, floored at zero) when counting down.
func (p *ProgressPrinter) seconds() int {
	elapsed := time.Since(p.startTime)
	if p.countdown == 0 {
		return int(elapsed.Seconds())
	}
	remaining := p.countdown - elapsed
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds() + 0.5)
}

func (p *ProgressPrinter) print(phase string, seconds int) {
	if seconds > 0 {
		fmt.Printf("\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Printf("\r%s (%s...)   ", p.prefix, phase)
	}
}

// Callback returns a phase-update function safe for concurrent use. Setting
// a terminal phase stops the printer.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, terminal := p.terminalPhases[phase]; terminal {
			p.Stop()
		}
	}
}

// Stop stops the display and clears the line. Only the first call acts.
func (p *ProgressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return // Already stopped
	}

	ticker.Stop()
	close(p.stopChan)
	<-p.done

	fmt.Print(clearLineSequence)
}
