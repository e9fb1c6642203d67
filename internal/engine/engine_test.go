package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/puffsync/internal/record"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

// mockJournal is an in-memory Journal double with injectable failures.
type mockJournal struct {
	mu         sync.Mutex
	records    map[uint32]record.Puff
	appendErr  error
	highestErr error
}

func newMockJournal(seqs ...uint32) *mockJournal {
	j := &mockJournal{records: make(map[uint32]record.Puff)}
	for _, s := range seqs {
		j.records[s] = record.Puff{Seq: s}
	}
	return j
}

func (j *mockJournal) HighestSequence() (uint32, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.highestErr != nil {
		return 0, j.highestErr
	}
	var max uint32
	for s := range j.records {
		if s > max {
			max = s
		}
	}
	return max, nil
}

func (j *mockJournal) Append(records []record.Puff) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.appendErr != nil {
		return j.appendErr
	}
	for _, r := range records {
		j.records[r.Seq] = r
	}
	return nil
}

func (j *mockJournal) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}

func (j *mockJournal) has(seq uint32) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.records[seq]
	return ok
}

// requestRecorder captures outbound delta requests.
type requestRecorder struct {
	mu    sync.Mutex
	calls []requestCall
}

type requestCall struct {
	startAfter uint16
	maxCount   uint8
}

func (r *requestRecorder) fn(startAfter uint16, maxCount uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, requestCall{startAfter: startAfter, maxCount: maxCount})
}

func (r *requestRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *requestRecorder) last() requestCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

func testOptions() *Options {
	opts := DefaultOptions()
	opts.BackoffDelay = 5 * time.Millisecond
	return opts
}

func newTestEngine(t *testing.T, journal *mockJournal, opts *Options) (*Engine[record.Puff], *requestRecorder) {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	rec := &requestRecorder{}
	eng, err := New[record.Puff](record.KindPuff, journal, rec.fn, opts, logger)
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)

	return eng, rec
}

func puffs(seqs ...uint32) []record.Puff {
	out := make([]record.Puff, 0, len(seqs))
	for _, s := range seqs {
		out = append(out, record.Puff{Seq: s, RecordedAt: 1700000000 + s, DurationMs: 1000})
	}
	return out
}

// waitRequests blocks until the recorder has seen at least n requests.
func waitRequests(t *testing.T, rec *requestRecorder, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return rec.count() >= n }, waitFor, tick,
		"expected at least %d outbound requests, got %d", n, rec.count())
}

func TestEngine_ConnectRequestsFromStoreHighWater(t *testing.T) {
	journal := newMockJournal(1, 2, 3, 4, 5, 6, 7)
	eng, rec := newTestEngine(t, journal, testOptions())

	eng.ConnectionChanged(true)

	waitRequests(t, rec, 1)
	assert.Equal(t, requestCall{startAfter: 7, maxCount: 50}, rec.last())
	assert.Eventually(t, func() bool { return eng.State() == StateAwaitingBackfill }, waitFor, tick)
	assert.Equal(t, uint32(7), eng.LastConfirmed())
}

func TestEngine_GapDetection(t *testing.T) {
	journal := newMockJournal()
	eng, rec := newTestEngine(t, journal, testOptions())

	eng.ConnectionChanged(true)
	waitRequests(t, rec, 1)

	// Only sequence 2 while 1 is expected: nothing persists, a delayed
	// re-request goes out at the unchanged high-water mark.
	eng.BatchReceived(puffs(2))

	waitRequests(t, rec, 2)
	assert.Equal(t, requestCall{startAfter: 0, maxCount: 50}, rec.last())
	assert.Equal(t, 0, journal.count())
	assert.Equal(t, uint32(0), eng.LastConfirmed())
	assert.Equal(t, StateGapRecovery, eng.State())
}

func TestEngine_PartialThenGap(t *testing.T) {
	journal := newMockJournal()
	eng, rec := newTestEngine(t, journal, testOptions())

	eng.ConnectionChanged(true)
	waitRequests(t, rec, 1)

	eng.BatchReceived(puffs(1, 2, 4))

	// The contiguous prefix persists; the gap triggers a re-request from
	// the advanced high-water mark.
	waitRequests(t, rec, 2)
	assert.Equal(t, requestCall{startAfter: 2, maxCount: 50}, rec.last())
	assert.Equal(t, uint32(2), eng.LastConfirmed())
	assert.Equal(t, 2, journal.count())
	assert.False(t, journal.has(4))
}

func TestEngine_OverlapCollapse(t *testing.T) {
	journal := newMockJournal(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	eng, rec := newTestEngine(t, journal, testOptions())

	eng.ConnectionChanged(true)
	waitRequests(t, rec, 1)
	require.Equal(t, requestCall{startAfter: 10, maxCount: 50}, rec.last())

	eng.BatchReceived(puffs(9, 10, 11, 12))

	// Still backfilling, so a greedy continuation pull follows the flush.
	waitRequests(t, rec, 2)
	assert.Equal(t, requestCall{startAfter: 12, maxCount: 15}, rec.last())
	assert.Equal(t, uint32(12), eng.LastConfirmed())
	assert.Equal(t, 12, journal.count())
}

func TestEngine_IdempotentRedelivery(t *testing.T) {
	journal := newMockJournal()
	eng, rec := newTestEngine(t, journal, testOptions())

	eng.ConnectionChanged(true)
	waitRequests(t, rec, 1)

	eng.BatchReceived(puffs(1, 2, 3))
	require.Eventually(t, func() bool { return eng.LastConfirmed() == 3 }, waitFor, tick)
	require.Equal(t, 3, journal.count())

	// Re-deliver an already-confirmed subset: counts and high-water mark
	// must not change.
	eng.BatchReceived(puffs(2, 3))
	eng.BatchReceived(puffs(1))

	assert.Eventually(t, func() bool { return rec.count() >= 4 }, waitFor, tick)
	assert.Equal(t, 3, journal.count())
	assert.Equal(t, uint32(3), eng.LastConfirmed())
}

func TestEngine_RetryCeiling(t *testing.T) {
	opts := testOptions()
	opts.RetryMax = 3
	journal := newMockJournal()
	eng, rec := newTestEngine(t, journal, opts)

	eng.ConnectionChanged(true)
	waitRequests(t, rec, 1)

	// Three consecutive gap batches against the same high-water mark each
	// schedule exactly one retry.
	for i := 0; i < 3; i++ {
		eng.BatchReceived(puffs(5))
		waitRequests(t, rec, 2+i)
	}
	require.Equal(t, 4, rec.count())

	// The fourth occurrence exhausts the budget: no further retry fires.
	eng.BatchReceived(puffs(5))
	time.Sleep(10 * opts.BackoffDelay)
	assert.Equal(t, 4, rec.count())

	// An explicit resync is an external trigger that restarts pulling.
	eng.RequestResync()
	waitRequests(t, rec, 5)
	assert.Equal(t, requestCall{startAfter: 0, maxCount: 50}, rec.last())
}

func TestEngine_BackfillCompleteSuppressesAutoPull(t *testing.T) {
	journal := newMockJournal()
	opts := testOptions()
	eng, rec := newTestEngine(t, journal, opts)

	eng.ConnectionChanged(true)
	waitRequests(t, rec, 1)

	eng.BatchReceived(puffs(1))
	waitRequests(t, rec, 2) // continuation pull while backfilling
	require.Equal(t, requestCall{startAfter: 1, maxCount: 15}, rec.last())

	eng.BackfillComplete()
	require.Eventually(t, func() bool { return eng.State() == StateLive }, waitFor, tick)

	// Forward progress in live mode persists but pulls nothing.
	eng.BatchReceived(puffs(2))
	require.Eventually(t, func() bool { return eng.LastConfirmed() == 2 }, waitFor, tick)
	time.Sleep(10 * opts.BackoffDelay)
	assert.Equal(t, 2, rec.count())
	assert.True(t, journal.has(2))
}

func TestEngine_ReconnectRederivesFromStore(t *testing.T) {
	journal := newMockJournal()
	eng, rec := newTestEngine(t, journal, testOptions())

	eng.ConnectionChanged(true)
	waitRequests(t, rec, 1)
	eng.BatchReceived(puffs(1, 2, 3))
	require.Eventually(t, func() bool { return eng.LastConfirmed() == 3 }, waitFor, tick)

	eng.ConnectionChanged(false)
	require.Eventually(t, func() bool { return eng.State() == StateIdle }, waitFor, tick)

	// Records 4..7 land in the store behind the engine's back (e.g. a
	// previous process wrote them). Reconnect must trust the store.
	require.NoError(t, journal.Append(puffs(4, 5, 6, 7)))

	eng.ConnectionChanged(true)
	waitRequests(t, rec, 3)
	assert.Equal(t, requestCall{startAfter: 7, maxCount: 50}, rec.last())
}

func TestEngine_RestartAfterStop(t *testing.T) {
	journal := newMockJournal()
	eng, rec := newTestEngine(t, journal, testOptions())

	eng.ConnectionChanged(true)
	waitRequests(t, rec, 1)
	eng.BatchReceived(puffs(1, 2, 3))
	require.Eventually(t, func() bool { return eng.LastConfirmed() == 3 }, waitFor, tick)

	eng.Stop()
	eng.Stop() // idempotent

	// The same instance restarts cleanly; the next connection signal
	// re-derives the high-water mark from the journal.
	require.NoError(t, eng.Start(context.Background()))
	eng.ConnectionChanged(true)

	waitRequests(t, rec, 3)
	assert.Equal(t, requestCall{startAfter: 3, maxCount: 50}, rec.last())
	assert.Eventually(t, func() bool { return eng.State() == StateAwaitingBackfill }, waitFor, tick)
}

func TestEngine_BatchWhileIdleIsDropped(t *testing.T) {
	journal := newMockJournal()
	eng, rec := newTestEngine(t, journal, testOptions())

	eng.BatchReceived(puffs(1, 2))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, journal.count())
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, StateIdle, eng.State())
}

func TestEngine_StoreWriteFailureDoesNotAdvance(t *testing.T) {
	journal := newMockJournal()
	journal.appendErr = errors.New("disk full")
	eng, rec := newTestEngine(t, journal, testOptions())

	eng.ConnectionChanged(true)
	waitRequests(t, rec, 1)

	eng.BatchReceived(puffs(1, 2))

	// The failed flush is treated like a transient gap: bounded backoff
	// re-request at the unchanged high-water mark.
	waitRequests(t, rec, 2)
	assert.Equal(t, requestCall{startAfter: 0, maxCount: 50}, rec.last())
	assert.Equal(t, uint32(0), eng.LastConfirmed())
	assert.Equal(t, 0, journal.count())

	// Once the store recovers, re-delivery lands normally.
	journal.mu.Lock()
	journal.appendErr = nil
	journal.mu.Unlock()

	eng.BatchReceived(puffs(1, 2))
	assert.Eventually(t, func() bool { return eng.LastConfirmed() == 2 }, waitFor, tick)
	assert.Equal(t, 2, journal.count())
}

func TestEngine_StoreReadFailureResyncsFromZero(t *testing.T) {
	journal := newMockJournal(1, 2, 3)
	journal.highestErr = errors.New("corrupt index")
	eng, rec := newTestEngine(t, journal, testOptions())

	eng.ConnectionChanged(true)

	waitRequests(t, rec, 1)
	assert.Equal(t, requestCall{startAfter: 0, maxCount: 50}, rec.last())
}

func TestEngine_IndependentInstancesDoNotShareState(t *testing.T) {
	puffJournal := newMockJournal()
	phaseJournal := newMockJournal()

	puffEng, puffRec := newTestEngine(t, puffJournal, testOptions())
	phaseEng, phaseRec := newTestEngine(t, phaseJournal, testOptions())

	puffEng.ConnectionChanged(true)
	phaseEng.ConnectionChanged(true)
	waitRequests(t, puffRec, 1)
	waitRequests(t, phaseRec, 1)

	// A gap in the puff stream must not stall the phase stream.
	puffEng.BatchReceived(puffs(5))
	phaseEng.BatchReceived(puffs(1, 2))

	assert.Eventually(t, func() bool { return phaseEng.LastConfirmed() == 2 }, waitFor, tick)
	assert.Eventually(t, func() bool { return puffEng.State() == StateGapRecovery }, waitFor, tick)
	assert.Equal(t, uint32(0), puffEng.LastConfirmed())
}

func TestNew_Validation(t *testing.T) {
	logger := logrus.New()
	journal := newMockJournal()
	request := func(uint16, uint8) {}

	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr string
	}{
		{
			name:    "retry max too high",
			mutate:  func(o *Options) { o.RetryMax = 6 },
			wantErr: "retry max",
		},
		{
			name:    "zero backoff",
			mutate:  func(o *Options) { o.BackoffDelay = 0 },
			wantErr: "backoff delay",
		},
		{
			name:    "equal page sizes",
			mutate:  func(o *Options) { o.ContinuationPageSize = 50 },
			wantErr: "page sizes",
		},
		{
			name:    "zero page size",
			mutate:  func(o *Options) { o.BackfillPageSize = 0 },
			wantErr: "page sizes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(opts)
			_, err := New[record.Puff](record.KindPuff, journal, request, opts, logger)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("nil journal", func(t *testing.T) {
		_, err := New[record.Puff](record.KindPuff, nil, request, nil, logger)
		assert.Error(t, err)
	})

	t.Run("nil request function", func(t *testing.T) {
		_, err := New[record.Puff](record.KindPuff, journal, nil, nil, logger)
		assert.Error(t, err)
	})
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	assert.Equal(t, 3, opts.RetryMax)
	assert.Equal(t, 250*time.Millisecond, opts.BackoffDelay)
	assert.Equal(t, uint8(50), opts.BackfillPageSize)
	assert.Equal(t, uint8(15), opts.ContinuationPageSize)
	assert.NoError(t, opts.Validate())
}
