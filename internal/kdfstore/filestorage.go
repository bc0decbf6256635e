package kdfstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"cryptsync/internal/hashid"
)

// FileStorage is a one-file-per-directory-blob Storage implementation
// rooted at a directory on disk, grounded on the teacher's plain-file
// persistence idiom (internal/config/jobs_json.go's os.ReadFile/WriteFile
// round trip, internal/state/manager.go's "one state file under a root
// directory" layout). Each stored directory blob becomes one file named
// by its hex-encoded directory id, prefixed with its 32-byte version.
//
// This is a reference backend for the cmd/cryptsyncd CLI, not a
// production multi-writer server: conflict detection is enforced by a
// single in-process mutex plus a read-before-write check against the
// file actually on disk, and commits apply a temp-file-then-rename for
// each touched path so a crash mid-write can never leave a half-written
// blob in place.
type FileStorage struct {
	root string

	mu  sync.Mutex
	txs map[TxID]*txState
}

// NewFileStorage returns a FileStorage rooted at root, creating the
// directory if it does not already exist.
func NewFileStorage(root string) (*FileStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("kdfstore: create storage root: %w", err)
	}
	return &FileStorage{root: root, txs: map[TxID]*txState{}}, nil
}

func (s *FileStorage) pathFor(dirID hashid.HashId) string {
	return filepath.Join(s.root, dirID.String()+".blob")
}

// readBlob reads and splits a stored blob file into its version and data.
// It returns ErrNotFound if the file does not exist.
func readBlob(path string) (hashid.HashId, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return hashid.HashId{}, nil, ErrNotFound
		}
		return hashid.HashId{}, nil, fmt.Errorf("kdfstore: read blob: %w", err)
	}
	if len(raw) < hashid.Size {
		return hashid.HashId{}, nil, fmt.Errorf("kdfstore: blob %s is shorter than the version prefix", path)
	}
	var version hashid.HashId
	copy(version[:], raw[:hashid.Size])
	data := make([]byte, len(raw)-hashid.Size)
	copy(data, raw[hashid.Size:])
	return version, data, nil
}

// writeBlobAtomically writes version||data to path via a temp file in the
// same directory followed by an atomic rename, so a concurrent reader
// never observes a partially written blob.
func writeBlobAtomically(path string, version hashid.HashId, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-kdfstore-*")
	if err != nil {
		return fmt.Errorf("kdfstore: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed away

	if _, err := tmp.Write(version[:]); err != nil {
		tmp.Close()
		return fmt.Errorf("kdfstore: write temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("kdfstore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("kdfstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("kdfstore: rename temp file into place: %w", err)
	}
	return nil
}

func (s *FileStorage) StartTx(ctx context.Context) (TxID, error) {
	id, err := randomTxID()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[id] = &txState{
		mkdirs: map[hashid.HashId]dirRecord{},
		rmdirs: map[hashid.HashId]pendingRmdir{},
	}
	return id, nil
}

func (s *FileStorage) Abort(ctx context.Context, tx TxID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.txs, tx)
	return nil
}

func (s *FileStorage) Commit(ctx context.Context, tx TxID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.txs[tx]
	if !ok {
		return fmt.Errorf("kdfstore: unknown transaction %q", tx)
	}
	defer delete(s.txs, tx)

	for dirID, expect := range state.rmdirs {
		version, data, err := readBlob(s.pathFor(dirID))
		if err != nil {
			if err == ErrNotFound {
				return ErrConflict
			}
			return err
		}
		if version != expect.expectedVersion || len(data) != expect.expectedLength {
			return ErrConflict
		}
	}

	for dirID := range state.rmdirs {
		if err := os.Remove(s.pathFor(dirID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("kdfstore: remove blob: %w", err)
		}
	}
	for dirID, rec := range state.mkdirs {
		if err := writeBlobAtomically(s.pathFor(dirID), rec.version, rec.data); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStorage) GetDir(ctx context.Context, dirID hashid.HashId) (hashid.HashId, []byte, error) {
	return readBlob(s.pathFor(dirID))
}

func (s *FileStorage) Mkdir(ctx context.Context, tx TxID, dirID hashid.HashId, version hashid.HashId, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.txs[tx]
	if !ok {
		return fmt.Errorf("kdfstore: unknown transaction %q", tx)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	state.mkdirs[dirID] = dirRecord{version: version, data: cp}
	return nil
}

func (s *FileStorage) Rmdir(ctx context.Context, tx TxID, dirID hashid.HashId, expectedVersion hashid.HashId, expectedLength int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.txs[tx]
	if !ok {
		return fmt.Errorf("kdfstore: unknown transaction %q", tx)
	}
	state.rmdirs[dirID] = pendingRmdir{expectedVersion: expectedVersion, expectedLength: expectedLength}
	return nil
}
