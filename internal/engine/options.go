package engine

import (
	"fmt"
	"time"

	"github.com/mcuadros/go-defaults"
)

// Options tunes the reconciliation engine and its request scheduler.
type Options struct {
	// RetryMax bounds consecutive gap-recovery retries before the engine
	// gives up until the next reconnect or explicit resync.
	RetryMax int `default:"3"`

	// BackoffDelay is the fixed delay before a gap-recovery re-request.
	BackoffDelay time.Duration `default:"250ms"`

	// BackfillPageSize is requested on connect and on gap-recovery retries.
	BackfillPageSize uint8 `default:"50"`

	// ContinuationPageSize is requested on steady-state continuation pulls
	// while still backfilling. Smaller than BackfillPageSize to bound burst
	// size under poor connectivity.
	ContinuationPageSize uint8 `default:"15"`

	// EventBuffer sizes the inbound event mailbox between the transport
	// delivery thread and the engine worker.
	EventBuffer int `default:"64"`
}

// DefaultOptions returns Options populated from struct-tag defaults.
func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

// Validate rejects option combinations the protocol design forbids.
func (o *Options) Validate() error {
	if o.RetryMax < 1 || o.RetryMax > 5 {
		return fmt.Errorf("retry max %d out of range [1,5]", o.RetryMax)
	}
	if o.BackoffDelay <= 0 {
		return fmt.Errorf("backoff delay must be positive, got %v", o.BackoffDelay)
	}
	if o.BackfillPageSize == 0 || o.ContinuationPageSize == 0 {
		return fmt.Errorf("page sizes must be nonzero")
	}
	if o.BackfillPageSize == o.ContinuationPageSize {
		return fmt.Errorf("backfill and continuation page sizes must differ to bound burst size")
	}
	if o.EventBuffer <= 0 {
		return fmt.Errorf("event buffer must be positive, got %d", o.EventBuffer)
	}
	return nil
}
