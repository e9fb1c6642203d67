// Package wire implements the byte-level protocol spoken over the sync
// characteristics: outbound delta requests and inbound batch/terminator
// frames for both record kinds. The codec is pure and stateless; it never
// touches persistence or scheduling.
//
// All multi-byte fields are little-endian.
//
// Outbound request (4 bytes):
//
//	[0x10][u16 startAfter][u8 maxCount]    maxCount 0 = peripheral default
//
// Inbound batch frame:
//
//	[0x01][u16 firstSeq][u8 count][count × record]
//
// with a fixed record stride per kind: 9 bytes for puffs
// (u16 seq, u32 epoch, u16 durationMs, u8 phaseIndex), 5 bytes for phase
// transitions (u8 phaseIndex, u32 epoch). A backfill-complete terminator is
// a single 0x02 byte.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/driftlab/puffsync/internal/record"
)

// Frame type discriminants (first byte of every inbound frame).
const (
	FrameBatch        byte = 0x01
	FrameBackfillDone byte = 0x02
)

// RequestTag is the first byte of every outbound delta request.
const RequestTag byte = 0x10

const (
	// RequestLen is the fixed size of an encoded delta request.
	RequestLen = 4

	// batchHeaderLen covers tag, firstSeq and count.
	batchHeaderLen = 4

	// PuffStride is the encoded size of one puff record.
	PuffStride = 9

	// PhaseStride is the encoded size of one phase-transition record.
	PhaseStride = 5
)

// EncodeRequest encodes a delta request asking the peripheral for records
// with sequence numbers greater than startAfter. maxCount of 0 leaves the
// page size to the peripheral.
func EncodeRequest(startAfter uint16, maxCount uint8) []byte {
	buf := make([]byte, RequestLen)
	buf[0] = RequestTag
	binary.LittleEndian.PutUint16(buf[1:3], startAfter)
	buf[3] = maxCount
	return buf
}

// FrameType classifies an inbound frame by its discriminant byte. An empty
// frame is ErrTruncatedFrame; an unrecognized discriminant is an
// *UnknownFrameTypeError.
func FrameType(data []byte) (byte, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: empty frame", ErrTruncatedFrame)
	}
	switch data[0] {
	case FrameBatch, FrameBackfillDone:
		return data[0], nil
	default:
		return 0, &UnknownFrameTypeError{Tag: data[0]}
	}
}

// PuffBatch is a decoded puff data frame.
type PuffBatch struct {
	FirstSeq uint16
	Records  []record.Puff
}

// HeaderMismatch reports whether the first record's own sequence field
// disagrees with the header's firstSeq. This is a consistency warning, not
// a decode failure: downstream gap detection independently validates
// continuity, so the batch is still delivered.
func (b *PuffBatch) HeaderMismatch() bool {
	return len(b.Records) > 0 && b.Records[0].Seq != uint32(b.FirstSeq)
}

// PhaseBatch is a decoded phase-transition data frame.
type PhaseBatch struct {
	FirstSeq uint16
	Records  []record.PhaseTransition
}

// DecodePuffBatch decodes a puff batch frame. The frame length must equal
// exactly batchHeaderLen + count*PuffStride; partial trailing data is
// rejected. Each record's sequence number is taken from its own field, not
// derived from the header.
func DecodePuffBatch(data []byte) (*PuffBatch, error) {
	count, err := decodeBatchHeader(data, PuffStride)
	if err != nil {
		return nil, err
	}

	batch := &PuffBatch{
		FirstSeq: binary.LittleEndian.Uint16(data[1:3]),
		Records:  make([]record.Puff, 0, count),
	}
	for i := 0; i < count; i++ {
		rec := data[batchHeaderLen+i*PuffStride:]
		batch.Records = append(batch.Records, record.Puff{
			Seq:        uint32(binary.LittleEndian.Uint16(rec[0:2])),
			RecordedAt: binary.LittleEndian.Uint32(rec[2:6]),
			DurationMs: binary.LittleEndian.Uint16(rec[6:8]),
			PhaseIndex: rec[8],
		})
	}
	return batch, nil
}

// DecodePhaseBatch decodes a phase-transition batch frame. Phase records
// carry no per-record counter on the wire, so sequence numbers are
// reconstructed as firstSeq + offset.
func DecodePhaseBatch(data []byte) (*PhaseBatch, error) {
	count, err := decodeBatchHeader(data, PhaseStride)
	if err != nil {
		return nil, err
	}

	firstSeq := binary.LittleEndian.Uint16(data[1:3])
	batch := &PhaseBatch{
		FirstSeq: firstSeq,
		Records:  make([]record.PhaseTransition, 0, count),
	}
	for i := 0; i < count; i++ {
		rec := data[batchHeaderLen+i*PhaseStride:]
		batch.Records = append(batch.Records, record.PhaseTransition{
			Seq:        uint32(firstSeq) + uint32(i),
			PhaseIndex: rec[0],
			StartedAt:  binary.LittleEndian.Uint32(rec[1:5]),
		})
	}
	return batch, nil
}

// decodeBatchHeader validates the frame tag, header length and the strict
// total-length requirement, returning the declared record count.
func decodeBatchHeader(data []byte, stride int) (int, error) {
	if len(data) < batchHeaderLen {
		return 0, fmt.Errorf("%w: %d bytes, need at least %d", ErrTruncatedFrame, len(data), batchHeaderLen)
	}
	if data[0] != FrameBatch {
		return 0, &UnknownFrameTypeError{Tag: data[0]}
	}

	count := int(data[3])
	if want := batchHeaderLen + count*stride; len(data) != want {
		return 0, fmt.Errorf("%w: %d records declared, expected %d bytes, got %d",
			ErrMalformedFrame, count, want, len(data))
	}
	return count, nil
}
