package storage

import (
	"fmt"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// MMapReader serves zero-copy reads of Complete pieces directly from the
// underlying files, bypassing the write-back cache once a piece is
// durably on disk. One mapping is held per underlying file, opened
// lazily on first read and kept until Close.
type MMapReader struct {
	mu   sync.Mutex
	fm   *FileManager
	maps map[int]mmap.MMap // keyed by segment index
}

func NewMMapReader(fm *FileManager) *MMapReader {
	return &MMapReader{fm: fm, maps: make(map[int]mmap.MMap)}
}

// ReadAt reads length bytes at the flat-space offset, mapping the
// covering segment read-only on first use.
func (r *MMapReader) ReadAt(offset, length int64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, seg := range r.fm.segments {
		if offset < seg.Offset || offset >= seg.Offset+seg.Length {
			continue
		}
		m, ok := r.maps[i]
		if !ok {
			var err error
			m, err = mmap.Map(seg.f, mmap.RDONLY, 0)
			if err != nil {
				return nil, fmt.Errorf("storage: mmap segment %d: %w", i, err)
			}
			r.maps[i] = m
		}
		segOff := offset - seg.Offset
		if segOff+length > int64(len(m)) {
			return nil, fmt.Errorf("storage: mmap read out of range")
		}
		out := make([]byte, length)
		copy(out, m[segOff:segOff+length])
		return out, nil
	}
	return nil, fmt.Errorf("storage: offset %d out of range", offset)
}

func (r *MMapReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for i, m := range r.maps {
		if err := m.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.maps, i)
	}
	return firstErr
}
