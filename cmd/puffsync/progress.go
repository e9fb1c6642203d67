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

// progressPrinter displays a single-line progress message with remaining
// time. Single-use: Start at most once, Stop exactly once. Stop is safe to
// call from multiple goroutines.
type progressPrinter struct {
	prefix    string
	duration  time.Duration // 0 counts up instead of down
	startTime time.Time
	ticker    atomic.Pointer[time.Ticker]
	stopChan  chan struct{}
	done      chan struct{}
	started   atomic.Bool
}

func newProgressPrinter(prefix string, duration time.Duration) *progressPrinter {
	return &progressPrinter{prefix: prefix, duration: duration}
}

// Start begins displaying progress updates in a background goroutine.
func (p *progressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("progressPrinter.Start called more than once")
	}

	p.stopChan = make(chan struct{})
	p.done = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	fmt.Printf("\r%s...   ", p.prefix)

	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.printLine()
			}
		}
	}()
}

func (p *progressPrinter) printLine() {
	elapsed := time.Since(p.startTime)
	if p.duration <= 0 {
		fmt.Printf("\r%s (%ds)   ", p.prefix, int(elapsed.Seconds()))
		return
	}
	remaining := p.duration - elapsed
	if remaining < 0 {
		remaining = 0
	}
	// Round to the nearest second so 3.7s reads as 4s, not 3s.
	fmt.Printf("\r%s (%ds)   ", p.prefix, int(remaining.Seconds()+0.5))
}

// Stop halts the display and clears the progress line. Only the first call
// has any effect.
func (p *progressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return // Already stopped
	}

	ticker.Stop()
	close(p.stopChan)
	<-p.done

	fmt.Print(clearLineSequence)
}
