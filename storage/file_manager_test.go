package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quietswarm/torrent/metainfo"
)

func twoFileInfo() *metainfo.TorrentInfo {
	return &metainfo.TorrentInfo{
		Name:        "t",
		PieceLength: 16384,
		TotalLength: 16384 * 2,
		Files: []metainfo.FileEntry{
			{Path: []string{"a.bin"}, Length: 16384},
			{Path: []string{"b.bin"}, Length: 16384},
		},
	}
}

func TestFileManagerReadWriteAcrossSegments(t *testing.T) {
	fm, err := Open(t.TempDir(), twoFileInfo())
	require.NoError(t, err)
	defer fm.Close()

	data := make([]byte, 32768)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, fm.Write(0, data))
	require.NoError(t, fm.Flush())

	got, err := fm.Read(16380, 10) // spans the a.bin/b.bin boundary
	require.NoError(t, err)
	require.Equal(t, data[16380:16390], got)

	size, err := fm.SizeOnDisk()
	require.NoError(t, err)
	require.Equal(t, int64(32768), size)
}

func TestWriteBackCacheEvictsOldestOverBudget(t *testing.T) {
	fm, err := Open(t.TempDir(), twoFileInfo())
	require.NoError(t, err)
	defer fm.Close()

	c := NewWriteBackCache(fm, 16384) // budget = one page
	require.NoError(t, c.Write(0, make([]byte, 16384)))
	require.Equal(t, int64(16384), c.DirtyBytes())

	require.NoError(t, c.Write(16384, make([]byte, 16384)))
	require.LessOrEqual(t, c.DirtyBytes(), int64(16384), "oldest page should have been evicted to disk")

	onDisk, err := fm.Read(0, 16384)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 16384), onDisk, "evicted page should have landed on disk")
}

func TestMMapReaderServesWrittenBytes(t *testing.T) {
	fm, err := Open(t.TempDir(), twoFileInfo())
	require.NoError(t, err)
	defer fm.Close()

	payload := []byte("hello-mmap")
	require.NoError(t, fm.Write(0, payload))
	require.NoError(t, fm.Flush())

	r := NewMMapReader(fm)
	defer r.Close()
	got, err := r.ReadAt(0, int64(len(payload)))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}
