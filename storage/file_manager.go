// Package storage implements the file manager interface
// read/write/flush/size-on-disk over a torrent's on-disk files, created
// sparse when opened, plus a bounded RAM write-back cache in front of
// it (see cache.go).
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/quietswarm/torrent/metainfo"
)

// segment is one underlying file and the half-open byte range [Offset,
// Offset+Length) it occupies in the torrent's flat address space.
type segment struct {
	f      *os.File
	Offset int64
	Length int64
}

// FileManager addresses a torrent's payload as one flat byte space over
// potentially many on-disk files, matching TorrentInfo.Files' layout.
// Files are created sparse (via Truncate) on open, never pre-allocated.
type FileManager struct {
	mu       sync.Mutex
	segments []segment
}

// Open creates (if absent) and opens every file named in info.Files under
// dataDir/info.Name, truncating each to its final length so later writes
// at arbitrary offsets never need to extend the file.
func Open(dataDir string, info *metainfo.TorrentInfo) (*FileManager, error) {
	root := filepath.Join(dataDir, info.Name)
	var segs []segment
	var offset int64
	for _, fe := range info.Files {
		parts := append([]string{root}, fe.Path...)
		path := filepath.Join(parts...)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("storage: mkdir for %s: %w", path, err)
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("storage: open %s: %w", path, err)
		}
		if err := f.Truncate(fe.Length); err != nil {
			f.Close()
			return nil, fmt.Errorf("storage: truncate %s to %d: %w", path, fe.Length, err)
		}
		segs = append(segs, segment{f: f, Offset: offset, Length: fe.Length})
		offset += fe.Length
	}
	return &FileManager{segments: segs}, nil
}

// Read returns length bytes starting at byte offset piece*pieceLength+off
// in the flat address space; callers (PieceMap) are responsible for
// piece/offset arithmetic, so Read takes an absolute offset directly.
func (fm *FileManager) Read(offset, length int64) ([]byte, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	buf := make([]byte, length)
	if err := fm.readAt(buf, offset); err != nil {
		return nil, err
	}
	return buf, nil
}

func (fm *FileManager) readAt(buf []byte, offset int64) error {
	for len(buf) > 0 {
		seg, segOff, err := fm.locate(offset)
		if err != nil {
			return err
		}
		n := seg.Length - segOff
		if int64(len(buf)) < n {
			n = int64(len(buf))
		}
		if _, err := seg.f.ReadAt(buf[:n], segOff); err != nil && err != io.EOF {
			return fmt.Errorf("storage: read at %d: %w", offset, err)
		}
		buf = buf[n:]
		offset += n
	}
	return nil
}

// Write stores data at the given absolute offset, spanning segment
// boundaries if necessary.
func (fm *FileManager) Write(offset int64, data []byte) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for len(data) > 0 {
		seg, segOff, err := fm.locate(offset)
		if err != nil {
			return err
		}
		n := seg.Length - segOff
		if int64(len(data)) < n {
			n = int64(len(data))
		}
		if _, err := seg.f.WriteAt(data[:n], segOff); err != nil {
			return fmt.Errorf("storage: write at %d: %w", offset, err)
		}
		data = data[n:]
		offset += n
	}
	return nil
}

func (fm *FileManager) locate(offset int64) (segment, int64, error) {
	for _, seg := range fm.segments {
		if offset >= seg.Offset && offset < seg.Offset+seg.Length {
			return seg, offset - seg.Offset, nil
		}
	}
	return segment{}, 0, fmt.Errorf("storage: offset %d out of range", offset)
}

// Flush fsyncs every underlying file; called at shutdown and before
// writing the ResumeRecord.
func (fm *FileManager) Flush() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for _, seg := range fm.segments {
		if err := seg.f.Sync(); err != nil {
			return fmt.Errorf("storage: sync: %w", err)
		}
	}
	return nil
}

// SizeOnDisk sums the apparent size of every segment's file as reported
// by the filesystem (sparse regions included, a `du`-less size query).
func (fm *FileManager) SizeOnDisk() (int64, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	var total int64
	for _, seg := range fm.segments {
		fi, err := seg.f.Stat()
		if err != nil {
			return 0, err
		}
		total += fi.Size()
	}
	return total, nil
}

func (fm *FileManager) Close() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	var firstErr error
	for _, seg := range fm.segments {
		if err := seg.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
