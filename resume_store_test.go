package torrent

import (
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/require"

	"github.com/quietswarm/torrent/piece"
)

func TestResumeStoreSaveLoadDelete(t *testing.T) {
	s, err := openResumeStore(filepath.Join(t.TempDir(), "resume.db"))
	require.NoError(t, err)
	defer s.Close()

	var infoHash [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")

	_, found := s.Load(infoHash)
	require.False(t, found)

	bm := roaring.New()
	bm.Add(0)
	bm.Add(3)
	rr := piece.ResumeRecord{InfoHash: infoHash, Bitfield: bm}
	require.NoError(t, s.Save(rr))

	loaded, found := s.Load(infoHash)
	require.True(t, found)
	require.Equal(t, infoHash, loaded.InfoHash)
	require.True(t, loaded.Bitfield.Contains(0))
	require.True(t, loaded.Bitfield.Contains(3))
	require.False(t, loaded.Bitfield.Contains(1))

	require.NoError(t, s.Delete(infoHash))
	_, found = s.Load(infoHash)
	require.False(t, found)
}

func TestResumeStoreReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.db")
	var infoHash [20]byte
	copy(infoHash[:], "bbbbbbbbbbbbbbbbbbbb")

	s1, err := openResumeStore(path)
	require.NoError(t, err)
	bm := roaring.New()
	bm.Add(7)
	require.NoError(t, s1.Save(piece.ResumeRecord{InfoHash: infoHash, Bitfield: bm}))
	require.NoError(t, s1.Close())

	s2, err := openResumeStore(path)
	require.NoError(t, err)
	defer s2.Close()
	loaded, found := s2.Load(infoHash)
	require.True(t, found)
	require.True(t, loaded.Bitfield.Contains(7))
}
