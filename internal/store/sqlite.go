// Package store persists synced records in an embedded SQLite database.
// Writes are idempotent with respect to sequence numbers, so the engine can
// re-deliver overlapping batches after reconnects or partial flushes
// without double-counting.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/driftlab/puffsync/internal/record"
)

// Schema for the local sync database. Puffs are append-only keyed by their
// peripheral sequence number. Phase transitions keep one current row per
// phase index, upserted in place; MAX(seq) remains the durable high-water
// mark for reconciliation either way.
const schema = `
CREATE TABLE IF NOT EXISTS puffs (
    seq          INTEGER PRIMARY KEY,
    recorded_at  INTEGER NOT NULL,
    duration_ms  INTEGER NOT NULL,
    phase_index  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_puffs_recorded ON puffs(recorded_at);
CREATE INDEX IF NOT EXISTS idx_puffs_phase ON puffs(phase_index);

CREATE TABLE IF NOT EXISTS phase_transitions (
    phase_index  INTEGER PRIMARY KEY,
    seq          INTEGER NOT NULL,
    started_at   INTEGER NOT NULL
);
`

// Store is the SQLite-backed durable store for both record kinds.
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
}

// Open opens or creates the database at path and applies the schema.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.WithField("path", path).Debug("Sync database opened")
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HighestSequence returns the highest persisted sequence number for the
// given kind, or 0 when nothing is stored yet.
func (s *Store) HighestSequence(kind record.Kind) (uint32, error) {
	var query string
	switch kind {
	case record.KindPuff:
		query = `SELECT COALESCE(MAX(seq), 0) FROM puffs`
	case record.KindPhaseTransition:
		query = `SELECT COALESCE(MAX(seq), 0) FROM phase_transitions`
	default:
		return 0, fmt.Errorf("unknown record kind %v", kind)
	}

	var highest uint32
	if err := s.db.QueryRow(query).Scan(&highest); err != nil {
		return 0, fmt.Errorf("query high-water mark for %s: %w", kind, err)
	}
	return highest, nil
}

// AppendPuffs inserts puff records in a single transaction, ignoring any
// whose sequence numbers are already present.
func (s *Store) AppendPuffs(records []record.Puff) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO puffs (seq, recorded_at, duration_ms, phase_index)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.Exec(r.Seq, r.RecordedAt, r.DurationMs, r.PhaseIndex); err != nil {
			return fmt.Errorf("insert puff %d: %w", r.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// AppendPhaseTransitions upserts phase-transition records in a single
// transaction. Each phase index keeps its most recent transition; rows only
// move forward in sequence, so re-delivered records are no-ops.
func (s *Store) AppendPhaseTransitions(records []record.PhaseTransition) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO phase_transitions (phase_index, seq, started_at)
		VALUES (?, ?, ?)
		ON CONFLICT(phase_index) DO UPDATE SET
			seq = excluded.seq,
			started_at = excluded.started_at
		WHERE excluded.seq > phase_transitions.seq`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.Exec(r.PhaseIndex, r.Seq, r.StartedAt); err != nil {
			return fmt.Errorf("upsert phase transition %d: %w", r.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// UpsertLatestPhaseTransition upserts a single transition.
func (s *Store) UpsertLatestPhaseTransition(r record.PhaseTransition) error {
	return s.AppendPhaseTransitions([]record.PhaseTransition{r})
}

// CountPuffs returns the number of persisted puff records.
func (s *Store) CountPuffs() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM puffs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count puffs: %w", err)
	}
	return n, nil
}

// LatestPhaseTransition returns the transition with the highest sequence
// number, or nil when no phase has been recorded.
func (s *Store) LatestPhaseTransition() (*record.PhaseTransition, error) {
	var t record.PhaseTransition
	err := s.db.QueryRow(`
		SELECT phase_index, seq, started_at
		FROM phase_transitions
		ORDER BY seq DESC LIMIT 1`).Scan(&t.PhaseIndex, &t.Seq, &t.StartedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query latest phase transition: %w", err)
	}
	return &t, nil
}

// PuffsForPhase returns all puffs recorded during the given phase, ordered
// by sequence number.
func (s *Store) PuffsForPhase(phaseIndex uint8) ([]record.Puff, error) {
	rows, err := s.db.Query(`
		SELECT seq, recorded_at, duration_ms, phase_index
		FROM puffs WHERE phase_index = ? ORDER BY seq`, phaseIndex)
	if err != nil {
		return nil, fmt.Errorf("query puffs for phase %d: %w", phaseIndex, err)
	}
	defer rows.Close()

	var out []record.Puff
	for rows.Next() {
		var p record.Puff
		if err := rows.Scan(&p.Seq, &p.RecordedAt, &p.DurationMs, &p.PhaseIndex); err != nil {
			return nil, fmt.Errorf("scan puff: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
