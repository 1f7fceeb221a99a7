package main

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter shows the current phase with elapsed seconds on one line.
//
// Usage:
//
//	p := NewProgressPrinter(w, "Connecting to AA:BB", "Connecting")
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use. Stop is safe to call more than once.
type ProgressPrinter struct {
	w         io.Writer
	prefix    string
	phase     atomic.Value // string
	startTime time.Time
	stopChan  chan struct{}
	done      chan struct{}
	started   atomic.Bool
	stopOnce  sync.Once
}

// NewProgressPrinter creates a printer writing to w.
func NewProgressPrinter(w io.Writer, prefix, phase string) *ProgressPrinter {
	p := &ProgressPrinter{
		w:        w,
		prefix:   prefix,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.phase.Store(phase)
	return p
}

// Start begins redrawing the line in a background goroutine.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.startTime = time.Now()
	fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, p.phase.Load().(string))

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				seconds := int(time.Since(p.startTime).Seconds())
				fmt.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, p.phase.Load().(string), seconds)
			}
		}
	}()
}

// SetPhase changes the phase shown on the next redraw.
func (p *ProgressPrinter) SetPhase(phase string) {
	p.phase.Store(phase)
}

// Stop ends the redraw loop and clears the line.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		// a printer that never started has no goroutine to wait for
		if p.started.Swap(true) {
			close(p.stopChan)
			<-p.done
			fmt.Fprint(p.w, clearLineSequence)
		}
	})
}
