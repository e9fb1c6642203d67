package wire

import (
	"errors"
	"fmt"
)

// Decode failure sentinels. Frames failing to decode are dropped by the
// caller; none of these are fatal to the sync session.
var (
	// ErrTruncatedFrame indicates the frame is shorter than the minimum
	// header needed to even classify it.
	ErrTruncatedFrame = errors.New("truncated frame")

	// ErrMalformedFrame indicates the frame length does not match the
	// record count declared in its header.
	ErrMalformedFrame = errors.New("malformed frame")
)

// UnknownFrameTypeError reports a frame whose discriminant byte is neither
// a data batch nor a backfill terminator.
type UnknownFrameTypeError struct {
	Tag byte
}

func (e *UnknownFrameTypeError) Error() string {
	return fmt.Sprintf("unknown frame type 0x%02X", e.Tag)
}

// Is allows errors.Is comparison against another UnknownFrameTypeError
// regardless of the offending tag value.
func (e *UnknownFrameTypeError) Is(target error) bool {
	_, ok := target.(*UnknownFrameTypeError)
	return ok
}
