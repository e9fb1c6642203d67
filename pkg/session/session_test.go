package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/puffsync/internal/engine"
	"github.com/driftlab/puffsync/internal/record"
	"github.com/driftlab/puffsync/internal/store"
	"github.com/driftlab/puffsync/internal/transport"
	"github.com/driftlab/puffsync/internal/wire"
)

type requestCall struct {
	kind       record.Kind
	startAfter uint16
	maxCount   uint8
}

// mockSource is an in-process transport double. Connect synchronously
// fires the connected signal, the way the BLE source does once its
// subscriptions are up.
type mockSource struct {
	mu          sync.Mutex
	handlers    transport.Handlers
	connected   bool
	connectErr  error
	requests    []requestCall
	disconnects int
}

func (m *mockSource) SetHandlers(h transport.Handlers) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = h
}

func (m *mockSource) Connect(_ context.Context, _ *transport.ConnectOptions) error {
	m.mu.Lock()
	if err := m.connectErr; err != nil {
		m.mu.Unlock()
		return err
	}
	m.connected = true
	h := m.handlers
	m.mu.Unlock()
	if h.ConnectionChanged != nil {
		h.ConnectionChanged(true)
	}
	return nil
}

func (m *mockSource) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.disconnects++
	return nil
}

func (m *mockSource) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockSource) RequestRecords(kind record.Kind, startAfter uint16, maxCount uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, requestCall{kind, startAfter, maxCount})
	return nil
}

func (m *mockSource) requestsFor(kind record.Kind) []requestCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []requestCall
	for _, r := range m.requests {
		if r.kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func (m *mockSource) callbacks() transport.Handlers {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "session.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testEngineOptions() *engine.Options {
	opts := engine.DefaultOptions()
	opts.BackoffDelay = 5 * time.Millisecond
	return opts
}

func startSession(t *testing.T, st *store.Store) (*Session, *mockSource) {
	t.Helper()
	src := &mockSource{}
	sess, err := New(src, st, testEngineOptions(), testLogger())
	require.NoError(t, err)
	require.NoError(t, sess.Start(context.Background(), nil))
	t.Cleanup(sess.Stop)
	return sess, src
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond)
}

func TestSession_ConnectPullsBothKindsFromHighWater(t *testing.T) {
	st := testStore(t)
	require.NoError(t, st.AppendPuffs([]record.Puff{
		{Seq: 1, RecordedAt: 100, DurationMs: 1200, PhaseIndex: 1},
		{Seq: 2, RecordedAt: 160, DurationMs: 900, PhaseIndex: 1},
	}))
	require.NoError(t, st.AppendPhaseTransitions([]record.PhaseTransition{
		{Seq: 5, PhaseIndex: 1, StartedAt: 90},
	}))

	_, src := startSession(t, st)

	waitFor(t, func() bool {
		return len(src.requestsFor(record.KindPuff)) >= 1 &&
			len(src.requestsFor(record.KindPhaseTransition)) >= 1
	})

	assert.Equal(t, requestCall{record.KindPuff, 2, 50}, src.requestsFor(record.KindPuff)[0])
	assert.Equal(t, requestCall{record.KindPhaseTransition, 5, 50}, src.requestsFor(record.KindPhaseTransition)[0])
}

func TestSession_PuffBatchFlowsToStoreAndContinues(t *testing.T) {
	st := testStore(t)
	sess, src := startSession(t, st)

	waitFor(t, func() bool { return len(src.requestsFor(record.KindPuff)) >= 1 })

	src.callbacks().PuffBatch(&wire.PuffBatch{
		FirstSeq: 1,
		Records: []record.Puff{
			{Seq: 1, RecordedAt: 100, DurationMs: 1200, PhaseIndex: 1},
			{Seq: 2, RecordedAt: 160, DurationMs: 900, PhaseIndex: 1},
		},
	})

	waitFor(t, func() bool {
		n, err := st.CountPuffs()
		return err == nil && n == 2
	})
	waitFor(t, func() bool { return sess.Status().PuffLastConfirmed == 2 })

	// Backfill continues with the smaller follow-up page.
	waitFor(t, func() bool { return len(src.requestsFor(record.KindPuff)) >= 2 })
	assert.Equal(t, requestCall{record.KindPuff, 2, 15}, src.requestsFor(record.KindPuff)[1])
}

func TestSession_PhaseBatchRoutesToPhaseEngine(t *testing.T) {
	st := testStore(t)
	sess, src := startSession(t, st)

	waitFor(t, func() bool { return len(src.requestsFor(record.KindPhaseTransition)) >= 1 })

	src.callbacks().PhaseBatch(&wire.PhaseBatch{
		FirstSeq: 1,
		Records: []record.PhaseTransition{
			{Seq: 1, PhaseIndex: 2, StartedAt: 500},
		},
	})

	waitFor(t, func() bool { return sess.Status().PhaseLastConfirmed == 1 })

	latest, err := st.LatestPhaseTransition()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, uint8(2), latest.PhaseIndex)

	// The puff engine never saw the phase records.
	assert.Equal(t, uint32(0), sess.Status().PuffLastConfirmed)
}

func TestSession_BackfillCompleteGoesLivePerKind(t *testing.T) {
	st := testStore(t)
	sess, src := startSession(t, st)

	waitFor(t, func() bool { return len(src.requestsFor(record.KindPuff)) >= 1 })

	src.callbacks().BackfillComplete(record.KindPuff)

	waitFor(t, func() bool { return sess.Status().PuffState == engine.StateLive })
	assert.NotEqual(t, engine.StateLive, sess.Status().PhaseState)
}

func TestSession_ResyncReissuesRequest(t *testing.T) {
	st := testStore(t)
	sess, src := startSession(t, st)

	waitFor(t, func() bool { return len(src.requestsFor(record.KindPuff)) >= 1 })
	before := len(src.requestsFor(record.KindPuff))

	sess.Resync(record.KindPuff)
	waitFor(t, func() bool { return len(src.requestsFor(record.KindPuff)) > before })
}

func TestSession_StopDisconnectsAndIsIdempotent(t *testing.T) {
	st := testStore(t)
	sess, src := startSession(t, st)

	sess.Stop()
	sess.Stop()

	assert.False(t, src.IsConnected())
	assert.Equal(t, 1, src.disconnects)
}

func TestSession_RestartAfterStop(t *testing.T) {
	st := testStore(t)
	sess, src := startSession(t, st)

	waitFor(t, func() bool { return len(src.requestsFor(record.KindPuff)) >= 1 })

	src.callbacks().PuffBatch(&wire.PuffBatch{
		FirstSeq: 1,
		Records: []record.Puff{
			{Seq: 1, RecordedAt: 100, DurationMs: 1200, PhaseIndex: 1},
		},
	})
	waitFor(t, func() bool { return sess.Status().PuffLastConfirmed == 1 })

	sess.Stop()
	require.Equal(t, 1, src.disconnects)

	// The same session restarts for an app-level reconnect and resumes
	// pulling from the persisted high-water mark.
	require.NoError(t, sess.Start(context.Background(), nil))

	waitFor(t, func() bool { return len(src.requestsFor(record.KindPuff)) >= 3 })
	calls := src.requestsFor(record.KindPuff)
	assert.Equal(t, requestCall{record.KindPuff, 1, 50}, calls[len(calls)-1])
	assert.True(t, src.IsConnected())
}

func TestSession_StartFailsWhenConnectFails(t *testing.T) {
	st := testStore(t)
	src := &mockSource{connectErr: assert.AnError}
	sess, err := New(src, st, testEngineOptions(), testLogger())
	require.NoError(t, err)

	err = sess.Start(context.Background(), nil)
	require.Error(t, err)
	assert.False(t, src.IsConnected())

	// With the transport healthy again, the same session starts cleanly.
	src.mu.Lock()
	src.connectErr = nil
	src.mu.Unlock()
	require.NoError(t, sess.Start(context.Background(), nil))
	t.Cleanup(sess.Stop)
	assert.True(t, src.IsConnected())
}

func TestNew_Validation(t *testing.T) {
	st := testStore(t)

	_, err := New(nil, st, nil, testLogger())
	assert.Error(t, err)

	_, err = New(&mockSource{}, nil, nil, testLogger())
	assert.Error(t, err)
}
