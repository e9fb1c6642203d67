// Package transport abstracts the bidirectional message path to the
// peripheral: inbound decoded batch streams plus their backfill-complete
// signals, a connection-state signal, and the outbound delta-request
// method. The real implementation rides on go-ble; tests use a hand-written
// double with the same shape.
package transport

import (
	"context"

	"github.com/driftlab/puffsync/internal/record"
	"github.com/driftlab/puffsync/internal/wire"
)

// Handlers carries the inbound signal callbacks a consumer registers on a
// Source. Handlers are invoked from the transport's dispatch goroutine and
// must not block for long durations; the reconciliation engines only
// enqueue onto their own workers.
type Handlers struct {
	// ConnectionChanged fires on connect (true) and disconnect (false).
	ConnectionChanged func(connected bool)

	// PuffBatch delivers a decoded puff data frame.
	PuffBatch func(batch *wire.PuffBatch)

	// PhaseBatch delivers a decoded phase-transition data frame.
	PhaseBatch func(batch *wire.PhaseBatch)

	// BackfillComplete fires when the peripheral signals it has no more
	// historical records for the given kind.
	BackfillComplete func(kind record.Kind)
}

// Source is the peripheral-facing message source consumed by the sync
// session. Implemented by the BLE layer and by test doubles.
type Source interface {
	// SetHandlers registers the inbound signal callbacks. Must be called
	// before Connect.
	SetHandlers(h Handlers)

	// Connect establishes the link and subscribes both record streams.
	Connect(ctx context.Context, opts *ConnectOptions) error

	// Disconnect tears the link down. Idempotent.
	Disconnect() error

	// IsConnected reports link state.
	IsConnected() bool

	// RequestRecords sends a delta request for one record kind, asking for
	// records after startAfter. maxCount 0 leaves paging to the peripheral.
	RequestRecords(kind record.Kind, startAfter uint16, maxCount uint8) error
}
