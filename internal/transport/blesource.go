package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/driftlab/puffsync/internal/bledev"
	"github.com/driftlab/puffsync/internal/groutine"
	"github.com/driftlab/puffsync/internal/record"
	"github.com/driftlab/puffsync/internal/wire"
)

// GATT layout of the sync service. One notify characteristic per record
// stream, one write characteristic per request direction.
var (
	// SyncServiceUUID is the puff-recorder synchronization service.
	SyncServiceUUID = ble.MustParse("5A7D0001-92E1-43B5-8F0C-1E4D6B2A9C30")

	// PuffStreamCharUUID notifies puff batch frames (peripheral -> app).
	PuffStreamCharUUID = ble.MustParse("5A7D0002-92E1-43B5-8F0C-1E4D6B2A9C30")

	// PhaseStreamCharUUID notifies phase-transition batch frames.
	PhaseStreamCharUUID = ble.MustParse("5A7D0003-92E1-43B5-8F0C-1E4D6B2A9C30")

	// PuffRequestCharUUID accepts puff delta requests (app -> peripheral).
	PuffRequestCharUUID = ble.MustParse("5A7D0004-92E1-43B5-8F0C-1E4D6B2A9C30")

	// PhaseRequestCharUUID accepts phase-transition delta requests.
	PhaseRequestCharUUID = ble.MustParse("5A7D0005-92E1-43B5-8F0C-1E4D6B2A9C30")
)

// frameBuffer bounds undispatched inbound frames. Overflow drops the oldest
// frame, which gap detection recovers from with a re-request.
const frameBuffer = 128

// ConnectOptions configures the BLE link.
type ConnectOptions struct {
	Address          string
	ConnectTimeout   time.Duration
	ServiceUUID      *ble.UUID // Optional: custom sync service UUID
	PuffStreamUUID   *ble.UUID
	PhaseStreamUUID  *ble.UUID
	PuffRequestUUID  *ble.UUID
	PhaseRequestUUID *ble.UUID
}

// DefaultConnectOptions returns sensible defaults for the sync service.
func DefaultConnectOptions(address string) *ConnectOptions {
	return &ConnectOptions{
		Address:          address,
		ConnectTimeout:   30 * time.Second,
		ServiceUUID:      &SyncServiceUUID,
		PuffStreamUUID:   &PuffStreamCharUUID,
		PhaseStreamUUID:  &PhaseStreamCharUUID,
		PuffRequestUUID:  &PuffRequestCharUUID,
		PhaseRequestUUID: &PhaseRequestCharUUID,
	}
}

type inboundFrame struct {
	kind record.Kind
	data []byte
}

// BLESource is the go-ble backed Source implementation.
type BLESource struct {
	client    ble.Client
	puffReq   *ble.Characteristic
	phaseReq  *ble.Characteristic
	logger    *logrus.Logger
	handlers  Handlers
	handlerMu sync.RWMutex

	quit chan struct{}

	writeMutex  sync.Mutex
	connMutex   sync.RWMutex
	isConnected bool
}

// NewBLESource creates a disconnected BLE transport source.
func NewBLESource(logger *logrus.Logger) *BLESource {
	if logger == nil {
		logger = logrus.New()
	}
	return &BLESource{logger: logger}
}

// SetHandlers registers the inbound signal callbacks.
func (t *BLESource) SetHandlers(h Handlers) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handlers = h
}

// Connect dials the peripheral, discovers the sync service, and subscribes
// both record streams.
func (t *BLESource) Connect(ctx context.Context, opts *ConnectOptions) error {
	t.connMutex.Lock()
	defer t.connMutex.Unlock()

	if t.isConnected {
		return fmt.Errorf("already connected")
	}

	dev, err := bledev.Factory()
	if err != nil {
		return fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	t.logger.WithField("address", opts.Address).Info("Connecting to peripheral...")

	connectCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	client, err := ble.Dial(connectCtx, ble.NewAddr(opts.Address))
	if err != nil {
		return fmt.Errorf("failed to connect to device: %w", err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		return fmt.Errorf("failed to discover profile: %w", err)
	}

	var syncService *ble.Service
	for _, service := range profile.Services {
		if service.UUID.Equal(*opts.ServiceUUID) {
			syncService = service
			break
		}
	}
	if syncService == nil {
		client.CancelConnection()
		return fmt.Errorf("sync service %s not found", opts.ServiceUUID.String())
	}

	var puffStream, phaseStream *ble.Characteristic
	for _, char := range syncService.Characteristics {
		switch {
		case char.UUID.Equal(*opts.PuffStreamUUID):
			puffStream = char
		case char.UUID.Equal(*opts.PhaseStreamUUID):
			phaseStream = char
		case char.UUID.Equal(*opts.PuffRequestUUID):
			t.puffReq = char
		case char.UUID.Equal(*opts.PhaseRequestUUID):
			t.phaseReq = char
		}
	}

	for _, missing := range []struct {
		char *ble.Characteristic
		uuid *ble.UUID
	}{
		{puffStream, opts.PuffStreamUUID},
		{phaseStream, opts.PhaseStreamUUID},
		{t.puffReq, opts.PuffRequestUUID},
		{t.phaseReq, opts.PhaseRequestUUID},
	} {
		if missing.char == nil {
			client.CancelConnection()
			return fmt.Errorf("characteristic %s not found", missing.uuid.String())
		}
	}

	frames := newRingChannel[inboundFrame](frameBuffer)
	quit := make(chan struct{})
	dispatchDone := make(chan struct{})
	t.quit = quit

	if err := client.Subscribe(puffStream, false, t.notifyFunc(record.KindPuff, frames)); err != nil {
		client.CancelConnection()
		return fmt.Errorf("failed to subscribe to puff stream: %w", err)
	}
	if err := client.Subscribe(phaseStream, false, t.notifyFunc(record.KindPhaseTransition, frames)); err != nil {
		client.CancelConnection()
		return fmt.Errorf("failed to subscribe to phase stream: %w", err)
	}

	t.client = client
	t.isConnected = true

	groutine.Go(nil, "ble-frame-dispatch", func(context.Context) {
		t.dispatch(frames, quit, dispatchDone)
	})

	// Some platforms report link loss via a Disconnected channel; surface
	// it as a connection-state signal so the session can resync later.
	if monitored, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		go func() {
			select {
			case <-monitored.Disconnected():
				t.logger.Warn("Peripheral link lost")
				t.teardown()
			case <-dispatchDone:
			}
		}()
	}

	t.logger.WithField("address", opts.Address).Info("Sync link established")
	t.fireConnectionChanged(true)
	return nil
}

// notifyFunc builds the subscription callback for one record stream. The
// callback copies the frame and hands it to the dispatch goroutine without
// blocking the BLE delivery thread.
func (t *BLESource) notifyFunc(kind record.Kind, frames *ringChannel[inboundFrame]) ble.NotificationHandler {
	return func(data []byte) {
		frame := make([]byte, len(data))
		copy(frame, data)
		if !frames.Send(inboundFrame{kind: kind, data: frame}) {
			t.logger.WithField("kind", kind.String()).Warn("Frame buffer full, dropped oldest frame")
		}
	}
}

func (t *BLESource) dispatch(frames *ringChannel[inboundFrame], quit, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-quit:
			return
		case f := <-frames.C():
			t.deliver(f)
		}
	}
}

// deliver decodes one inbound frame and invokes the matching handler.
// Undecodable frames are logged and dropped; they never corrupt sync state.
func (t *BLESource) deliver(f inboundFrame) {
	t.handlerMu.RLock()
	h := t.handlers
	t.handlerMu.RUnlock()

	typ, err := wire.FrameType(f.data)
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"kind":  f.kind.String(),
			"bytes": len(f.data),
			"error": err,
		}).Warn("Dropping undecodable frame")
		return
	}

	switch typ {
	case wire.FrameBackfillDone:
		if h.BackfillComplete != nil {
			h.BackfillComplete(f.kind)
		}

	case wire.FrameBatch:
		switch f.kind {
		case record.KindPuff:
			batch, err := wire.DecodePuffBatch(f.data)
			if err != nil {
				t.logger.WithError(err).Warn("Dropping malformed puff batch")
				return
			}
			if batch.HeaderMismatch() {
				t.logger.WithFields(logrus.Fields{
					"header_first": batch.FirstSeq,
					"record_first": batch.Records[0].Seq,
				}).Warn("Batch header disagrees with first record sequence")
			}
			if h.PuffBatch != nil {
				h.PuffBatch(batch)
			}

		case record.KindPhaseTransition:
			batch, err := wire.DecodePhaseBatch(f.data)
			if err != nil {
				t.logger.WithError(err).Warn("Dropping malformed phase batch")
				return
			}
			if h.PhaseBatch != nil {
				h.PhaseBatch(batch)
			}
		}
	}
}

// RequestRecords writes a delta request to the kind's request
// characteristic. The 4-byte request always fits a single ATT write.
func (t *BLESource) RequestRecords(kind record.Kind, startAfter uint16, maxCount uint8) error {
	t.connMutex.RLock()
	connected := t.isConnected
	client := t.client
	char := t.puffReq
	if kind == record.KindPhaseTransition {
		char = t.phaseReq
	}
	t.connMutex.RUnlock()

	if !connected {
		return fmt.Errorf("not connected")
	}
	if char == nil {
		return fmt.Errorf("request characteristic for %s not available", kind)
	}

	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	payload := wire.EncodeRequest(startAfter, maxCount)
	if err := client.WriteCharacteristic(char, payload, false); err != nil {
		return fmt.Errorf("failed to write %s delta request: %w", kind, err)
	}

	t.logger.WithFields(logrus.Fields{
		"kind":        kind.String(),
		"start_after": startAfter,
		"max_count":   maxCount,
	}).Debug("Delta request sent")
	return nil
}

// IsConnected reports whether the link is up.
func (t *BLESource) IsConnected() bool {
	t.connMutex.RLock()
	defer t.connMutex.RUnlock()
	return t.isConnected
}

// Disconnect closes the link. Idempotent.
func (t *BLESource) Disconnect() error {
	t.teardown()
	return nil
}

func (t *BLESource) teardown() {
	t.connMutex.Lock()
	if !t.isConnected {
		t.connMutex.Unlock()
		return
	}
	t.isConnected = false
	client := t.client
	t.client = nil
	t.puffReq = nil
	t.phaseReq = nil
	quit := t.quit
	t.quit = nil
	t.connMutex.Unlock()

	if client != nil {
		if err := client.CancelConnection(); err != nil {
			t.logger.WithError(err).Warn("Error disconnecting from peripheral")
		}
	}
	if quit != nil {
		close(quit)
	}

	t.logger.Info("Sync link closed")
	t.fireConnectionChanged(false)
}

func (t *BLESource) fireConnectionChanged(connected bool) {
	t.handlerMu.RLock()
	h := t.handlers
	t.handlerMu.RUnlock()
	if h.ConnectionChanged != nil {
		h.ConnectionChanged(connected)
	}
}
