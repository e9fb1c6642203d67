package engine

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/driftlab/puffsync/internal/record"
)

// RequestFunc sends a delta request to the peripheral for one record kind.
// Implemented by the transport layer.
type RequestFunc func(startAfter uint16, maxCount uint8)

// scheduler translates engine decisions into outbound transport requests,
// immediately or after a fixed backoff delay. Scheduled timers are never
// tracked or cancelled: a stale timer firing after progress has been made
// merely re-requests from the already-current lastConfirmed, which is
// idempotent and harmless.
type scheduler struct {
	kind    record.Kind
	request RequestFunc
	delay   time.Duration
	logger  *logrus.Entry
}

func newScheduler(kind record.Kind, request RequestFunc, delay time.Duration, logger *logrus.Entry) *scheduler {
	return &scheduler{
		kind:    kind,
		request: request,
		delay:   delay,
		logger:  logger,
	}
}

// RequestNow issues a delta request synchronously. Sequence numbers above
// the 16-bit wire range are clamped; this is a known protocol limitation
// (the wire caps startAfter at u16 while local counts are 32-bit), so the
// loss is logged rather than silently truncated.
func (s *scheduler) RequestNow(startAfter uint32, maxCount uint8) {
	if startAfter > math.MaxUint16 {
		s.logger.WithFields(logrus.Fields{
			"start_after": startAfter,
			"clamped_to":  math.MaxUint16,
		}).Warn("Start sequence exceeds 16-bit wire range, clamping")
		startAfter = math.MaxUint16
	}

	s.logger.WithFields(logrus.Fields{
		"start_after": startAfter,
		"max_count":   maxCount,
	}).Debug("Requesting records")
	s.request(uint16(startAfter), maxCount)
}

// RequestLater runs fn once after the backoff delay. fn is expected to
// re-enter the engine's event loop rather than touch state directly.
func (s *scheduler) RequestLater(fn func()) {
	s.logger.WithField("delay", s.delay).Debug("Scheduling delayed re-request")
	time.AfterFunc(s.delay, fn)
}
