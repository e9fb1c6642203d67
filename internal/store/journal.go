package store

import "github.com/driftlab/puffsync/internal/record"

// PuffJournal exposes the puff series to the reconciliation engine.
type PuffJournal struct {
	Store *Store
}

func (j PuffJournal) HighestSequence() (uint32, error) {
	return j.Store.HighestSequence(record.KindPuff)
}

func (j PuffJournal) Append(records []record.Puff) error {
	return j.Store.AppendPuffs(records)
}

// PhaseJournal exposes the phase-transition series to the reconciliation
// engine.
type PhaseJournal struct {
	Store *Store
}

func (j PhaseJournal) HighestSequence() (uint32, error) {
	return j.Store.HighestSequence(record.KindPhaseTransition)
}

func (j PhaseJournal) Append(records []record.PhaseTransition) error {
	return j.Store.AppendPhaseTransitions(records)
}
