package piece

import (
	"github.com/RoaringBitmap/roaring"
)

// ResumeRecord is the on-disk snapshot PieceMap.Snapshot produces and
// Restore consumes. EngineLoop persists it via bbolt on
// graceful shutdown and loads it at start-up.
type ResumeRecord struct {
	InfoHash [20]byte
	Bitfield *roaring.Bitmap
}

// MarshalBinary encodes the record as infohash || roaring bitmap bytes, the
// format the resume bbolt bucket stores under the infohash key.
func (r ResumeRecord) MarshalBinary() ([]byte, error) {
	bits, err := r.Bitfield.ToBytes()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 20+len(bits))
	copy(out, r.InfoHash[:])
	copy(out[20:], bits)
	return out, nil
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (r *ResumeRecord) UnmarshalBinary(data []byte) error {
	if len(data) < 20 {
		return errShortResumeRecord
	}
	copy(r.InfoHash[:], data[:20])
	bm := roaring.New()
	if err := bm.UnmarshalBinary(data[20:]); err != nil {
		return err
	}
	r.Bitfield = bm
	return nil
}

var errShortResumeRecord = &resumeRecordError{"resume record shorter than a 20-byte infohash"}

type resumeRecordError struct{ msg string }

func (e *resumeRecordError) Error() string { return "piece: " + e.msg }
