// Package engine implements the per-kind reconciliation state machine that
// turns an unreliable, at-least-once BLE notification stream into a gapless,
// duplicate-free, monotonically ordered durable sequence.
//
// One Engine instance runs per record kind. Instances share no mutable
// state: a gap in one kind's stream never blocks the other. All state
// mutation happens on a single worker goroutine; transport callbacks only
// enqueue events.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/driftlab/puffsync/internal/groutine"
	"github.com/driftlab/puffsync/internal/record"
)

// State of the reconciliation machine.
type State int32

const (
	// StateIdle means no connection session is active.
	StateIdle State = iota
	// StateAwaitingBackfill means a session is active and historical
	// records are being pulled until the peripheral signals completeness.
	StateAwaitingBackfill
	// StateLive means backfill completed; the engine passively accepts
	// push notifications without issuing continuation requests.
	StateLive
	// StateGapRecovery means a sequence discontinuity was detected and a
	// bounded backoff re-request cycle is in progress.
	StateGapRecovery
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingBackfill:
		return "awaiting_backfill"
	case StateLive:
		return "live"
	case StateGapRecovery:
		return "gap_recovery"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Journal is the engine's view of the durable store for one record kind.
// Append must tolerate records whose sequence numbers already exist
// (no-op for those); the engine relies on that for idempotent re-delivery
// after partial flushes.
type Journal[T record.Sequenced] interface {
	HighestSequence() (uint32, error)
	Append(records []T) error
}

type eventType int

const (
	evConnection eventType = iota
	evBatch
	evBackfillDone
	evRetryFired
	evResync
)

type event[T record.Sequenced] struct {
	typ       eventType
	connected bool
	records   []T
}

// Engine reconciles one record kind's inbound batches against the durable
// high-water mark, deciding insert vs. discard vs. re-request.
type Engine[T record.Sequenced] struct {
	kind    record.Kind
	journal Journal[T]
	sched   *scheduler
	opts    Options
	logger  *logrus.Entry

	events chan event[T]

	// Lifecycle. Both channels are replaced on every Start so a stopped
	// engine can be started again; runMutex guards them and isRunning.
	runMutex    sync.RWMutex
	isRunning   bool
	stopChan    chan struct{}
	stoppedChan chan struct{}

	// Worker-owned state. Only the run loop touches these.
	lastConfirmed  uint32
	backfilling    bool
	connected      bool
	retryCount     int
	retryExhausted bool
	state          State

	// Mirrors for observation from other goroutines (tests, status).
	obsState         atomic.Int32
	obsLastConfirmed atomic.Uint32
}

// New creates an engine for one record kind. request is the transport's
// outbound delta-request function for that kind.
func New[T record.Sequenced](kind record.Kind, journal Journal[T], request RequestFunc, opts *Options, logger *logrus.Logger) (*Engine[T], error) {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine options: %w", err)
	}
	if journal == nil {
		return nil, fmt.Errorf("journal is required")
	}
	if request == nil {
		return nil, fmt.Errorf("request function is required")
	}

	entry := logger.WithField("kind", kind.String())
	return &Engine[T]{
		kind:        kind,
		journal:     journal,
		sched:       newScheduler(kind, request, opts.BackoffDelay, entry),
		opts:        *opts,
		logger:      entry,
		events:      make(chan event[T], opts.EventBuffer),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}, nil
}

// Start launches the engine worker. The engine processes no events before
// Start and none after Stop. A stopped engine may be started again: the
// next connection signal re-derives everything from the store, so an
// app-level reconnect can reuse the same instance.
func (e *Engine[T]) Start(ctx context.Context) error {
	e.runMutex.Lock()
	defer e.runMutex.Unlock()

	if e.isRunning {
		return fmt.Errorf("engine is already running")
	}
	e.isRunning = true
	e.stopChan = make(chan struct{})
	e.stoppedChan = make(chan struct{})

	groutine.Go(ctx, "sync-engine-"+e.kind.String(), e.run)

	e.logger.Info("Reconciliation engine started")
	return nil
}

// Stop terminates the worker and waits for it to exit. Pending scheduled
// retries become no-ops. The lock is held across the wait so a concurrent
// Start cannot swap the lifecycle channels under the exiting worker; the
// worker itself never takes runMutex, so this cannot deadlock.
func (e *Engine[T]) Stop() {
	e.runMutex.Lock()
	defer e.runMutex.Unlock()

	if !e.isRunning {
		return
	}
	e.isRunning = false

	close(e.stopChan)
	<-e.stoppedChan
	e.logger.Info("Reconciliation engine stopped")
}

// ConnectionChanged marshals a transport connection-state change onto the
// engine worker.
func (e *Engine[T]) ConnectionChanged(connected bool) {
	e.enqueue(event[T]{typ: evConnection, connected: connected})
}

// BatchReceived marshals a decoded inbound batch onto the engine worker.
func (e *Engine[T]) BatchReceived(records []T) {
	e.enqueue(event[T]{typ: evBatch, records: records})
}

// BackfillComplete marshals the peripheral's backfill terminator onto the
// engine worker.
func (e *Engine[T]) BackfillComplete() {
	e.enqueue(event[T]{typ: evBackfillDone})
}

// RequestResync is the explicit external trigger that restarts pulling
// after the retry budget was exhausted. It resets the retry budget and
// re-requests from the current high-water mark.
func (e *Engine[T]) RequestResync() {
	e.enqueue(event[T]{typ: evResync})
}

// State returns the current machine state. Safe from any goroutine.
func (e *Engine[T]) State() State {
	return State(e.obsState.Load())
}

// LastConfirmed returns the highest sequence number known durably
// persisted. Safe from any goroutine.
func (e *Engine[T]) LastConfirmed() uint32 {
	return e.obsLastConfirmed.Load()
}

func (e *Engine[T]) enqueue(ev event[T]) {
	e.runMutex.RLock()
	stop := e.stopChan
	e.runMutex.RUnlock()

	select {
	case e.events <- ev:
	case <-stop:
		// Engine stopped; the event is stale by definition.
	}
}

func (e *Engine[T]) run(ctx context.Context) {
	// Capture the channels of this generation: a later restart replaces
	// the struct fields.
	stop, stopped := e.stopChan, e.stoppedChan
	defer close(stopped)

	e.logger.WithField("worker", groutine.GetName(ctx)).Debug("Worker loop running")

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case ev := <-e.events:
			e.handle(ev)
		}
	}
}

func (e *Engine[T]) handle(ev event[T]) {
	switch ev.typ {
	case evConnection:
		if ev.connected {
			e.onConnect()
		} else {
			e.onDisconnect()
		}
	case evBatch:
		e.onBatch(ev.records)
	case evBackfillDone:
		e.onBackfillComplete()
	case evRetryFired:
		e.onRetryFired()
	case evResync:
		e.onResync()
	}
}

// onConnect bootstraps lastConfirmed from the store's own persisted
// high-water mark (never from memory, so engine restarts cannot regress)
// and issues the initial delta request.
func (e *Engine[T]) onConnect() {
	highest, err := e.journal.HighestSequence()
	if err != nil {
		// Pulling from zero is safe: re-delivered records are dropped by
		// the duplicate rule or by the store's append-if-absent semantics.
		e.logger.WithError(err).Error("Failed to read persisted high-water mark, resyncing from zero")
		highest = 0
	}

	e.connected = true
	e.backfilling = true
	e.retryCount = 0
	e.retryExhausted = false
	e.setLastConfirmed(highest)
	e.setState(StateAwaitingBackfill)

	e.logger.WithField("last_confirmed", highest).Info("Connected, starting backfill")
	e.sched.RequestNow(e.lastConfirmed, e.opts.BackfillPageSize)
}

// onDisconnect drops all in-flight intent. A fresh handshake on reconnect
// re-derives everything from the store.
func (e *Engine[T]) onDisconnect() {
	e.connected = false
	e.backfilling = false
	e.setState(StateIdle)
	e.logger.Info("Disconnected, sync idle")
}

// onBatch walks the received records against the expected cursor,
// classifying each as duplicate, contiguous, or gap.
func (e *Engine[T]) onBatch(records []T) {
	if e.state == StateIdle {
		e.logger.WithField("count", len(records)).Debug("Dropping batch received while idle")
		return
	}

	expected := e.lastConfirmed + 1
	pending := make([]T, 0, len(records))
	gapAt := uint32(0)
	gap := false

	for _, rec := range records {
		seq := rec.Sequence()
		switch {
		case seq < expected:
			// Duplicate or overlap from an at-least-once redelivery;
			// skip and keep scanning.
			continue
		case seq == expected:
			pending = append(pending, rec)
			expected++
		default:
			// Discontinuity: persist the contiguous prefix, abandon the
			// rest of the batch, and re-request from the new high-water.
			gap = true
			gapAt = seq
		}
		if gap {
			break
		}
	}

	if err := e.flush(pending); err != nil {
		// lastConfirmed was not advanced past the failed write, so the
		// records remain not-yet-confirmed and re-delivery is welcome.
		// Recover exactly like a transient gap: bounded backoff re-request.
		e.enterGapRecovery()
		return
	}

	if gap {
		e.logger.WithFields(logrus.Fields{
			"expected": expected,
			"received": gapAt,
		}).Warn("Sequence gap detected")
		e.enterGapRecovery()
		return
	}

	if e.state == StateGapRecovery {
		// The missing records arrived; fall back into the regular flow.
		if e.backfilling {
			e.setState(StateAwaitingBackfill)
		} else {
			e.setState(StateLive)
		}
	}

	if e.backfilling {
		// Greedy pull while catching up: no gap, no delay.
		e.sched.RequestNow(e.lastConfirmed, e.opts.ContinuationPageSize)
	}
}

// flush persists the contiguous pending buffer in one append and advances
// lastConfirmed. Any persisted progress resets the retry budget.
func (e *Engine[T]) flush(pending []T) error {
	if len(pending) == 0 {
		return nil
	}

	if err := e.journal.Append(pending); err != nil {
		e.logger.WithError(err).WithField("count", len(pending)).Error("Failed to persist batch")
		return err
	}

	e.setLastConfirmed(pending[len(pending)-1].Sequence())
	e.retryCount = 0
	e.retryExhausted = false

	e.logger.WithFields(logrus.Fields{
		"count":          len(pending),
		"last_confirmed": e.lastConfirmed,
	}).Debug("Persisted contiguous batch")
	return nil
}

// enterGapRecovery increments the retry budget and schedules a delayed
// re-request, or gives up until the next external trigger once the budget
// is exhausted. Giving up is deliberate: availability over error surfacing.
func (e *Engine[T]) enterGapRecovery() {
	e.setState(StateGapRecovery)

	e.retryCount++
	if e.retryExhausted || e.retryCount > e.opts.RetryMax {
		e.retryCount = 0
		e.retryExhausted = true
		e.logger.Warn("Retry budget exhausted, pausing until reconnect or explicit resync")
		return
	}

	e.logger.WithFields(logrus.Fields{
		"retry":       e.retryCount,
		"retry_max":   e.opts.RetryMax,
		"start_after": e.lastConfirmed,
	}).Info("Scheduling gap-recovery re-request")

	e.sched.RequestLater(func() {
		e.enqueue(event[T]{typ: evRetryFired})
	})
}

// onRetryFired issues the delayed re-request from the current high-water
// mark. Timers that outlive their trigger (progress already made, or the
// session ended) degrade to harmless idempotent re-requests or no-ops.
func (e *Engine[T]) onRetryFired() {
	if !e.connected {
		e.logger.Debug("Ignoring gap-recovery timer after disconnect")
		return
	}
	e.sched.RequestNow(e.lastConfirmed, e.opts.BackfillPageSize)
}

// onBackfillComplete switches to passive live mode: no automatic
// continuation requests until the next gap or explicit trigger.
func (e *Engine[T]) onBackfillComplete() {
	e.backfilling = false
	if e.state == StateAwaitingBackfill {
		e.setState(StateLive)
	}
	e.logger.WithField("last_confirmed", e.lastConfirmed).Info("Backfill complete, live")
}

func (e *Engine[T]) onResync() {
	if !e.connected {
		e.logger.Debug("Ignoring resync request while disconnected")
		return
	}
	e.retryCount = 0
	e.retryExhausted = false
	e.sched.RequestNow(e.lastConfirmed, e.opts.BackfillPageSize)
}

func (e *Engine[T]) setState(s State) {
	if e.state != s {
		e.logger.WithFields(logrus.Fields{
			"from": e.state.String(),
			"to":   s.String(),
		}).Debug("State transition")
	}
	e.state = s
	e.obsState.Store(int32(s))
}

func (e *Engine[T]) setLastConfirmed(seq uint32) {
	e.lastConfirmed = seq
	e.obsLastConfirmed.Store(seq)
}
