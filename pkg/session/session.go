// Package session wires a transport source to the per-kind reconciliation
// engines and the durable journal, and owns their combined lifecycle.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/driftlab/puffsync/internal/engine"
	"github.com/driftlab/puffsync/internal/record"
	"github.com/driftlab/puffsync/internal/store"
	"github.com/driftlab/puffsync/internal/transport"
	"github.com/driftlab/puffsync/internal/wire"
)

// Session runs one puff engine and one phase engine against a single
// peripheral link. Inbound transport signals fan out to the engine that
// owns the record kind; each engine's outbound requests go back through
// the same source.
type Session struct {
	source transport.Source
	store  *store.Store
	puffs  *engine.Engine[record.Puff]
	phases *engine.Engine[record.PhaseTransition]
	logger *logrus.Logger

	isRunning bool
	runMutex  sync.RWMutex
}

// Snapshot is a point-in-time view of both engines, for status display.
type Snapshot struct {
	Connected          bool
	PuffState          engine.State
	PuffLastConfirmed  uint32
	PhaseState         engine.State
	PhaseLastConfirmed uint32
}

// New builds a session over the given source and journal store. opts
// tunes both engines; nil means defaults.
func New(source transport.Source, st *store.Store, opts *engine.Options, logger *logrus.Logger) (*Session, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if source == nil {
		return nil, fmt.Errorf("transport source is required")
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}

	s := &Session{
		source: source,
		store:  st,
		logger: logger,
	}

	puffs, err := engine.New[record.Puff](
		record.KindPuff,
		store.PuffJournal{Store: st},
		s.requestFunc(record.KindPuff),
		opts,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create puff engine: %w", err)
	}

	phases, err := engine.New[record.PhaseTransition](
		record.KindPhaseTransition,
		store.PhaseJournal{Store: st},
		s.requestFunc(record.KindPhaseTransition),
		opts,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create phase engine: %w", err)
	}

	s.puffs = puffs
	s.phases = phases

	source.SetHandlers(transport.Handlers{
		ConnectionChanged: s.onConnectionChanged,
		PuffBatch:         s.onPuffBatch,
		PhaseBatch:        s.onPhaseBatch,
		BackfillComplete:  s.onBackfillComplete,
	})

	return s, nil
}

// requestFunc adapts the source's outbound request method to one kind.
// Send failures are logged, not retried here: the engine's own gap
// recovery re-issues the request after its backoff.
func (s *Session) requestFunc(kind record.Kind) engine.RequestFunc {
	return func(startAfter uint16, maxCount uint8) {
		if err := s.source.RequestRecords(kind, startAfter, maxCount); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"kind":        kind.String(),
				"start_after": startAfter,
			}).Warn("Failed to send record request")
		}
	}
}

// Start launches both engines and connects the source. The engines start
// first so the connection signal from a fast connect is never dropped.
func (s *Session) Start(ctx context.Context, connectOpts *transport.ConnectOptions) error {
	s.runMutex.Lock()
	defer s.runMutex.Unlock()

	if s.isRunning {
		return fmt.Errorf("session is already running")
	}

	if err := s.puffs.Start(ctx); err != nil {
		return err
	}
	if err := s.phases.Start(ctx); err != nil {
		s.puffs.Stop()
		return err
	}

	if err := s.source.Connect(ctx, connectOpts); err != nil {
		s.puffs.Stop()
		s.phases.Stop()
		return fmt.Errorf("failed to connect: %w", err)
	}

	s.isRunning = true
	s.logger.Info("Sync session started")
	return nil
}

// Stop disconnects the source and shuts both engines down. Idempotent.
func (s *Session) Stop() {
	s.runMutex.Lock()
	defer s.runMutex.Unlock()

	if !s.isRunning {
		return
	}
	s.isRunning = false

	if err := s.source.Disconnect(); err != nil {
		s.logger.WithError(err).Warn("Error disconnecting transport")
	}
	s.puffs.Stop()
	s.phases.Stop()
	s.logger.Info("Sync session stopped")
}

// Resync asks one engine to restart its pull from the last confirmed
// record, clearing any exhausted retry budget.
func (s *Session) Resync(kind record.Kind) {
	switch kind {
	case record.KindPuff:
		s.puffs.RequestResync()
	case record.KindPhaseTransition:
		s.phases.RequestResync()
	}
}

// Status returns a point-in-time view of the session.
func (s *Session) Status() Snapshot {
	return Snapshot{
		Connected:          s.source.IsConnected(),
		PuffState:          s.puffs.State(),
		PuffLastConfirmed:  s.puffs.LastConfirmed(),
		PhaseState:         s.phases.State(),
		PhaseLastConfirmed: s.phases.LastConfirmed(),
	}
}

func (s *Session) onConnectionChanged(connected bool) {
	s.puffs.ConnectionChanged(connected)
	s.phases.ConnectionChanged(connected)
}

func (s *Session) onPuffBatch(batch *wire.PuffBatch) {
	s.puffs.BatchReceived(batch.Records)
}

func (s *Session) onPhaseBatch(batch *wire.PhaseBatch) {
	s.phases.BatchReceived(batch.Records)
}

func (s *Session) onBackfillComplete(kind record.Kind) {
	switch kind {
	case record.KindPuff:
		s.puffs.BackfillComplete()
	case record.KindPhaseTransition:
		s.phases.BackfillComplete()
	}
}
