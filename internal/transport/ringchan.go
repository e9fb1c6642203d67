package transport

// ringChannel is a bounded channel with overwrite-oldest semantics, used to
// decouple the BLE notification callback from frame decoding and dispatch.
// Producers never block: under backpressure the oldest frame is discarded,
// which the reconciliation engine recovers from as an ordinary gap.
type ringChannel[T any] struct {
	ch chan T
}

func newRingChannel[T any](capacity int) *ringChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &ringChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side for the dispatch goroutine to range over.
func (rc *ringChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts an item, discarding buffered older ones if full. Returns
// false when anything was dropped. The newest item always lands: with two
// producer callbacks feeding the same ring, another producer can refill
// the slot freed by the drain before the resend, so the evict/resend pair
// loops until the insert wins.
func (rc *ringChannel[T]) Send(v T) bool {
	select {
	case rc.ch <- v:
		return true
	default:
	}
	for {
		select {
		case <-rc.ch:
		default:
		}
		select {
		case rc.ch <- v:
			return false
		default:
		}
	}
}

