package kdfstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"cryptsync/internal/hashid"
)

// dirRecord is one stored directory blob: its current version and bytes.
type dirRecord struct {
	version hashid.HashId
	data    []byte
}

// pendingRmdir (together with txState's dirRecord-valued mkdirs) captures
// one transaction's staged writes, applied on Commit and discarded on Abort
// or a failed Commit.
type pendingRmdir struct {
	expectedVersion hashid.HashId
	expectedLength  int
}

type txState struct {
	mkdirs map[hashid.HashId]dirRecord
	rmdirs map[hashid.HashId]pendingRmdir
}

// MemStorage is an in-memory, mutex-guarded Storage implementation, the
// shape of the teacher's internal/transfer.Queue (a single sync.RWMutex
// guarding a handful of maps indexed by id). It is intended for tests and
// for the editKdfList unit tests, not for production use: nothing here
// survives process restart, and there is no multi-process coordination.
type MemStorage struct {
	mu   sync.Mutex
	dirs map[hashid.HashId]dirRecord
	txs  map[TxID]*txState
}

// NewMemStorage returns an empty MemStorage.
func NewMemStorage() *MemStorage {
	return &MemStorage{
		dirs: map[hashid.HashId]dirRecord{},
		txs:  map[TxID]*txState{},
	}
}

func randomTxID() (TxID, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("kdfstore: generate tx id: %w", err)
	}
	return TxID(hex.EncodeToString(b[:])), nil
}

func (s *MemStorage) StartTx(ctx context.Context) (TxID, error) {
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

func (s *MemStorage) Abort(ctx context.Context, tx TxID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.txs, tx)
	return nil
}

func (s *MemStorage) Commit(ctx context.Context, tx TxID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.txs[tx]
	if !ok {
		return fmt.Errorf("kdfstore: unknown transaction %q", tx)
	}
	defer delete(s.txs, tx)

	for dirID, expect := range state.rmdirs {
		current, exists := s.dirs[dirID]
		if !exists || current.version != expect.expectedVersion || len(current.data) != expect.expectedLength {
			return ErrConflict
		}
	}

	for dirID := range state.rmdirs {
		delete(s.dirs, dirID)
	}
	for dirID, rec := range state.mkdirs {
		s.dirs[dirID] = rec
	}
	return nil
}

func (s *MemStorage) GetDir(ctx context.Context, dirID hashid.HashId) (hashid.HashId, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.dirs[dirID]
	if !ok {
		return hashid.HashId{}, nil, ErrNotFound
	}
	out := make([]byte, len(rec.data))
	copy(out, rec.data)
	return rec.version, out, nil
}

func (s *MemStorage) Mkdir(ctx context.Context, tx TxID, dirID hashid.HashId, version hashid.HashId, data []byte) error {
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

func (s *MemStorage) Rmdir(ctx context.Context, tx TxID, dirID hashid.HashId, expectedVersion hashid.HashId, expectedLength int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.txs[tx]
	if !ok {
		return fmt.Errorf("kdfstore: unknown transaction %q", tx)
	}
	state.rmdirs[dirID] = pendingRmdir{expectedVersion: expectedVersion, expectedLength: expectedLength}
	return nil
}
