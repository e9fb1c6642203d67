// Package record declares the sequenced record types exchanged with the
// peripheral: puff events and phase-transition events. Each kind forms an
// independent, monotonically numbered series.
package record

import "fmt"

// Kind identifies one of the two independent record series.
type Kind uint8

const (
	KindPuff Kind = iota
	KindPhaseTransition
)

func (k Kind) String() string {
	switch k {
	case KindPuff:
		return "puff"
	case KindPhaseTransition:
		return "phase_transition"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Sequenced is implemented by every record carrying a peripheral-assigned
// sequence number. Sequence numbers are unique per kind and strictly
// increasing within a peripheral session; payloads are immutable once a
// sequence number has been assigned.
type Sequenced interface {
	Sequence() uint32
}

// Puff is a single recorded inhalation event.
type Puff struct {
	Seq        uint32 `json:"seq"`         // peripheral-assigned sequence number
	RecordedAt uint32 `json:"recorded_at"` // peripheral epoch seconds
	DurationMs uint16 `json:"duration_ms"`
	PhaseIndex uint8  `json:"phase_index"` // owning phase
}

func (p Puff) Sequence() uint32 { return p.Seq }

// PhaseTransition marks the start of an ordered session phase. The wire
// format carries no per-record counter for transitions; Seq is reconstructed
// from the batch header by the codec.
type PhaseTransition struct {
	Seq        uint32 `json:"seq"`
	PhaseIndex uint8  `json:"phase_index"`
	StartedAt  uint32 `json:"started_at"` // peripheral epoch seconds
}

func (t PhaseTransition) Sequence() uint32 { return t.Seq }
