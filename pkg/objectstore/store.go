// Package objectstore persists received DICOM objects on the local
// filesystem.
//
// Objects are written to a per-worker scratch directory while streaming, with
// an incremental SHA-256 over the bytes, then published into the permanent
// layout with an atomic rename. The permanent layout is addressed purely by
// DICOM identity:
//
//	<root>/storage/studies/<study-uid>/<series-uid>/<sop-instance-uid>
//
// Scratch files live under <root>/tmp/<worker-id>/ so a crashed process never
// leaves partial objects where the forwarder can see them.
package objectstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/openimagery/dicomgw/internal/logger"
	"github.com/openimagery/dicomgw/pkg/fault"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600

	storageDir = "storage"
	studiesDir = "studies"
	scratchDir = "tmp"
)

// ObjectRef describes a published object.
type ObjectRef struct {
	// RelPath is the object's path relative to the store root, stable across
	// mounts and suitable for catalog rows.
	RelPath string
	Size    int64
	SHA256  string
	// Duplicate is true when an identical object was already present and the
	// new bytes were discarded.
	Duplicate bool
}

// Store is a filesystem-backed object store rooted at a data directory.
type Store struct {
	root     string
	workerID string
}

// New opens (creating if needed) a store rooted at root. workerID scopes the
// scratch directory so concurrent gateway processes sharing a root never
// collide.
func New(root, workerID string) (*Store, error) {
	s := &Store{root: root, workerID: workerID}

	for _, dir := range []string{
		filepath.Join(root, storageDir, studiesDir),
		filepath.Join(root, scratchDir, workerID),
	} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return nil, fault.Wrap(fault.KindStorageIO, "create store directory", err)
		}
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Check reports whether the store root is still present and a directory.
// Used by the health endpoint.
func (s *Store) Check() error {
	info, err := os.Stat(filepath.Join(s.root, storageDir))
	if err != nil {
		return fault.Wrap(fault.KindStorageIO, "object store inaccessible", err)
	}
	if !info.IsDir() {
		return fault.Newf(fault.KindStorageIO, "object store path %s is not a directory", s.root)
	}
	return nil
}

// AbsPath resolves a catalog-relative object path to an absolute one.
func (s *Store) AbsPath(relPath string) string {
	return filepath.Join(s.root, relPath)
}

// objectRelPath builds the permanent relative path for an instance. The UIDs
// must have been validated before this point; they become path components.
func objectRelPath(studyUID, seriesUID, instanceUID string) string {
	return filepath.Join(storageDir, studiesDir, studyUID, seriesUID, instanceUID)
}

// Scratch is an in-progress object write. Bytes stream through Write, which
// maintains the running SHA-256; the object only becomes visible on Publish.
type Scratch struct {
	store *Store
	f     *os.File
	path  string
	hash  hash.Hash
	size  int64
	done  bool
}

// NewScratch creates a scratch file for a new incoming object.
func (s *Store) NewScratch() (*Scratch, error) {
	path := filepath.Join(s.root, scratchDir, s.workerID, uuid.NewString())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		return nil, fault.Wrap(fault.KindStorageIO, "create scratch file", err)
	}
	return &Scratch{store: s, f: f, path: path, hash: sha256.New()}, nil
}

// Write appends p to the scratch file and the running hash.
func (sc *Scratch) Write(p []byte) (int, error) {
	n, err := sc.f.Write(p)
	sc.hash.Write(p[:n])
	sc.size += int64(n)
	if err != nil {
		return n, fault.Wrap(fault.KindStorageIO, "write scratch file", err)
	}
	return n, nil
}

// Size returns the bytes written so far.
func (sc *Scratch) Size() int64 { return sc.size }

// SHA256 returns the hex digest of the bytes written so far.
func (sc *Scratch) SHA256() string {
	return hex.EncodeToString(sc.hash.Sum(nil))
}

// Path returns the scratch file's location, for inspection before publish.
func (sc *Scratch) Path() string { return sc.path }

// Discard closes and removes the scratch file. Safe to call after Publish.
func (sc *Scratch) Discard() {
	if sc.done {
		return
	}
	sc.done = true
	sc.f.Close()
	if err := os.Remove(sc.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("failed to remove scratch file", logger.Path(sc.path), logger.Err(err))
	}
}

// Publish durably moves the scratch file to its permanent location.
//
// Publishing is idempotent against re-sends: if the destination already holds
// an object with the same SHA-256, the scratch bytes are discarded and the
// existing object is returned with Duplicate set. A destination holding
// different bytes is a conflict and the scratch file is discarded without
// touching the existing object.
func (s *Store) Publish(sc *Scratch, studyUID, seriesUID, instanceUID string) (ObjectRef, error) {
	if sc.done {
		return ObjectRef{}, fault.New(fault.KindStorageIO, "publish after discard")
	}

	ref := ObjectRef{
		RelPath: objectRelPath(studyUID, seriesUID, instanceUID),
		Size:    sc.size,
		SHA256:  sc.SHA256(),
	}
	finalPath := s.AbsPath(ref.RelPath)

	if err := sc.f.Sync(); err != nil {
		sc.Discard()
		return ObjectRef{}, fault.Wrap(fault.KindStorageIO, "sync scratch file", err)
	}
	if err := sc.f.Close(); err != nil {
		sc.done = true
		os.Remove(sc.path)
		return ObjectRef{}, fault.Wrap(fault.KindStorageIO, "close scratch file", err)
	}

	if existing, err := os.Stat(finalPath); err == nil {
		existingHash, _, hashErr := HashFile(finalPath)
		sc.done = true
		os.Remove(sc.path)
		if hashErr != nil {
			return ObjectRef{}, fault.Wrap(fault.KindStorageIO, "hash existing object", hashErr)
		}
		if existingHash == ref.SHA256 {
			ref.Duplicate = true
			ref.Size = existing.Size()
			return ref, nil
		}
		return ObjectRef{}, fault.Newf(fault.KindCatalogConflict,
			"instance %s already stored with different content (have %s, got %s)",
			instanceUID, existingHash[:12], ref.SHA256[:12])
	}

	seriesPath := filepath.Dir(finalPath)
	if err := os.MkdirAll(seriesPath, dirPerm); err != nil {
		sc.Discard()
		return ObjectRef{}, fault.Wrap(fault.KindStorageIO, "create series directory", err)
	}

	if err := os.Rename(sc.path, finalPath); err != nil {
		sc.Discard()
		return ObjectRef{}, fault.Wrap(fault.KindStorageIO, "publish object", err)
	}
	sc.done = true

	// The rename is not durable until the directory entry is flushed; without
	// it a crash could lose a file the catalog already references. Undo the
	// publish so the peer retries.
	if err := syncDir(seriesPath); err != nil {
		os.Remove(finalPath)
		return ObjectRef{}, fault.Wrap(fault.KindStorageIO, "sync series directory", err)
	}

	return ref, nil
}

// Open opens a published object for reading.
func (s *Store) Open(relPath string) (*os.File, int64, error) {
	f, err := os.Open(s.AbsPath(relPath))
	if err != nil {
		return nil, 0, fault.Wrap(fault.KindStorageIO, "open object", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fault.Wrap(fault.KindStorageIO, "stat object", err)
	}
	return f, info.Size(), nil
}

// Verify re-hashes a published object and checks it against the expected
// digest. Used before forwarding to detect on-disk corruption.
func (s *Store) Verify(relPath, expectedSHA256 string) error {
	got, _, err := HashFile(s.AbsPath(relPath))
	if err != nil {
		return err
	}
	if got != expectedSHA256 {
		return fault.Newf(fault.KindStorageIO, "object %s content mismatch (have %s, want %s)",
			relPath, got[:12], expectedSHA256[:12])
	}
	return nil
}

// SweepScratch removes scratch files older than maxAge across all worker
// scratch directories, reclaiming space left by crashed processes. Returns
// the number of files removed.
func (s *Store) SweepScratch(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	workers, err := os.ReadDir(filepath.Join(s.root, scratchDir))
	if err != nil {
		return 0, fault.Wrap(fault.KindStorageIO, "read scratch directory", err)
	}

	for _, w := range workers {
		if !w.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, scratchDir, w.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			logger.Warn("failed to read worker scratch directory", logger.Path(dir), logger.Err(err))
			continue
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if err := os.Remove(path); err != nil {
				logger.Warn("failed to remove stale scratch file", logger.Path(path), logger.Err(err))
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// HashFile computes the SHA-256 hex digest and size of a file.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fault.Wrap(fault.KindStorageIO, "open for hashing", err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fault.Wrap(fault.KindStorageIO, "hash file", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return nil
}
