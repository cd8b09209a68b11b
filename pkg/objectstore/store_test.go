package objectstore

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openimagery/dicomgw/pkg/fault"
)

const (
	testStudy    = "1.2.3.1"
	testSeries   = "1.2.3.1.1"
	testInstance = "1.2.3.1.1.1"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), "worker-a")
	require.NoError(t, err)
	return s
}

func writeObject(t *testing.T, s *Store, payload []byte) ObjectRef {
	t.Helper()
	sc, err := s.NewScratch()
	require.NoError(t, err)

	_, err = sc.Write(payload)
	require.NoError(t, err)

	ref, err := s.Publish(sc, testStudy, testSeries, testInstance)
	require.NoError(t, err)
	return ref
}

func TestPublishStoresExactBytes(t *testing.T) {
	s := newTestStore(t)
	payload := make([]byte, 1<<20+128)
	for i := range payload {
		payload[i] = byte(i * 13)
	}

	ref := writeObject(t, s, payload)

	assert.Equal(t, int64(len(payload)), ref.Size)
	assert.False(t, ref.Duplicate)

	sum := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), ref.SHA256)

	f, size, err := s.Open(ref.RelPath)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, int64(len(payload)), size)

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestPublishIncrementalWrites(t *testing.T) {
	s := newTestStore(t)

	sc, err := s.NewScratch()
	require.NoError(t, err)
	for _, chunk := range [][]byte{[]byte("abc"), []byte("def"), []byte("ghi")} {
		_, err = sc.Write(chunk)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(9), sc.Size())

	ref, err := s.Publish(sc, testStudy, testSeries, testInstance)
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("abcdefghi"))
	assert.Equal(t, hex.EncodeToString(sum[:]), ref.SHA256)
}

func TestPublishDuplicateSameContent(t *testing.T) {
	s := newTestStore(t)
	payload := []byte("identical bytes")

	first := writeObject(t, s, payload)
	second := writeObject(t, s, payload)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.SHA256, second.SHA256)
	assert.Equal(t, first.RelPath, second.RelPath)
}

func TestPublishConflictDifferentContent(t *testing.T) {
	s := newTestStore(t)
	writeObject(t, s, []byte("original bytes"))

	sc, err := s.NewScratch()
	require.NoError(t, err)
	_, err = sc.Write([]byte("tampered bytes"))
	require.NoError(t, err)

	_, err = s.Publish(sc, testStudy, testSeries, testInstance)
	require.Error(t, err)
	assert.Equal(t, fault.KindCatalogConflict, fault.KindOf(err))

	// The original object is untouched.
	got, _, err := HashFile(filepath.Join(s.Root(), objectRelPath(testStudy, testSeries, testInstance)))
	require.NoError(t, err)
	sum := sha256.Sum256([]byte("original bytes"))
	assert.Equal(t, hex.EncodeToString(sum[:]), got)
}

func TestDiscardRemovesScratch(t *testing.T) {
	s := newTestStore(t)

	sc, err := s.NewScratch()
	require.NoError(t, err)
	_, err = sc.Write([]byte("partial"))
	require.NoError(t, err)

	path := sc.Path()
	sc.Discard()

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Nothing was published.
	_, _, err = s.Open(objectRelPath(testStudy, testSeries, testInstance))
	require.Error(t, err)
}

func TestScratchNotVisibleBeforePublish(t *testing.T) {
	s := newTestStore(t)

	sc, err := s.NewScratch()
	require.NoError(t, err)
	defer sc.Discard()
	_, err = sc.Write([]byte("in flight"))
	require.NoError(t, err)

	_, err = os.Stat(s.AbsPath(objectRelPath(testStudy, testSeries, testInstance)))
	assert.True(t, os.IsNotExist(err))
}

func TestPublishFailsWhenSeriesDirSyncFails(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions do not bind as root")
	}
	s := newTestStore(t)

	// A series directory without read permission: the rename into it works,
	// the durability flush cannot open it.
	seriesDir := filepath.Dir(s.AbsPath(objectRelPath(testStudy, testSeries, testInstance)))
	require.NoError(t, os.MkdirAll(seriesDir, 0o700))
	require.NoError(t, os.Chmod(seriesDir, 0o300))
	t.Cleanup(func() { os.Chmod(seriesDir, 0o700) })

	sc, err := s.NewScratch()
	require.NoError(t, err)
	_, err = sc.Write([]byte("payload"))
	require.NoError(t, err)

	_, err = s.Publish(sc, testStudy, testSeries, testInstance)
	require.Error(t, err)
	assert.Equal(t, fault.KindStorageIO, fault.KindOf(err))
}

func TestCheck(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Check())

	require.NoError(t, os.RemoveAll(s.Root()))
	err := s.Check()
	require.Error(t, err)
	assert.Equal(t, fault.KindStorageIO, fault.KindOf(err))
}

func TestVerify(t *testing.T) {
	s := newTestStore(t)
	ref := writeObject(t, s, []byte("stable content"))

	require.NoError(t, s.Verify(ref.RelPath, ref.SHA256))

	// Corrupt the object on disk.
	require.NoError(t, os.WriteFile(s.AbsPath(ref.RelPath), []byte("bit rot"), 0o600))
	err := s.Verify(ref.RelPath, ref.SHA256)
	require.Error(t, err)
	assert.Equal(t, fault.KindStorageIO, fault.KindOf(err))
}

func TestSweepScratch(t *testing.T) {
	root := t.TempDir()
	s, err := New(root, "worker-a")
	require.NoError(t, err)

	// A stale file from a crashed worker and a fresh one from a live worker.
	staleDir := filepath.Join(root, "tmp", "worker-dead")
	require.NoError(t, os.MkdirAll(staleDir, 0o700))
	stale := filepath.Join(staleDir, "leftover")
	require.NoError(t, os.WriteFile(stale, []byte("junk"), 0o600))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	sc, err := s.NewScratch()
	require.NoError(t, err)
	defer sc.Discard()
	_, err = sc.Write([]byte("active"))
	require.NoError(t, err)

	removed, err := s.SweepScratch(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(sc.Path())
	assert.NoError(t, err)
}

func TestPublishAfterDiscardFails(t *testing.T) {
	s := newTestStore(t)

	sc, err := s.NewScratch()
	require.NoError(t, err)
	sc.Discard()

	_, err = s.Publish(sc, testStudy, testSeries, testInstance)
	require.Error(t, err)
}
