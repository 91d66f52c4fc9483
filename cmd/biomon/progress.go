package main

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

const progressUpdateInterval = 100 * time.Millisecond

// ProgressPrinter rewrites a "prefix (phase Ns)" line with the elapsed time.
//
// Usage:
//
//	p := NewProgressPrinter(out, "Waiting for the sensor board", phaseFunc)
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use. Start may be called at most once; Stop is
// safe to call any number of times.
type ProgressPrinter struct {
	out       io.Writer
	prefix    string
	phase     func() string
	startTime time.Time
	ticker    atomic.Pointer[time.Ticker]
	stopChan  chan struct{}
	done      chan struct{} // closed when goroutine exits
	started   atomic.Bool
}

// NewProgressPrinter creates a printer that asks phase for the current phase name on every update
func NewProgressPrinter(out io.Writer, prefix string, phase func() string) *ProgressPrinter {
	return &ProgressPrinter{out: out, prefix: prefix, phase: phase}
}

// Start begins displaying progress updates in a background goroutine.
// Panics if called more than once on the same ProgressPrinter instance.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}

	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	p.print(0)
	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.print(int(time.Since(p.startTime).Seconds()))
			}
		}
	}()
}

func (p *ProgressPrinter) print(seconds int) {
	if seconds > 0 {
		fmt.Fprintf(p.out, "%s%s (%s %ds)", clearLineSequence, p.prefix, p.phase(), seconds)
	} else {
		fmt.Fprintf(p.out, "%s%s (%s...)", clearLineSequence, p.prefix, p.phase())
	}
}

// Stop stops the updates and clears the line. Only the first call after
// Start has any effect.
func (p *ProgressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return
	}

	ticker.Stop()
	close(p.stopChan)
	<-p.done

	fmt.Fprint(p.out, clearLineSequence)
}
