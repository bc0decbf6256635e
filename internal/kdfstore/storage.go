// Package kdfstore defines the transactional directory-blob Storage
// contract (spec.md §6) consumed by internal/keymgmt, plus two reference
// implementations: an in-memory mutex-guarded store for tests
// (memstorage.go, grounded on the teacher's internal/transfer.Queue
// mutex-guarded-map idiom) and a one-file-per-directory-blob store for the
// CLI (filestorage.go, grounded on internal/config/jobs_json.go and
// internal/state/manager.go's plain-file persistence).
//
// Neither implementation here is the production server storage backend;
// spec.md explicitly keeps that external. These exist so the core's
// transactional edit logic (internal/keymgmt's editKdfList) has something real to run
// against in tests and in the reference CLI.
package kdfstore

import (
	"context"
	"errors"

	"cryptsync/internal/hashid"
)

// KdfDirID is the reserved all-zero directory identifier that names the
// KDF list's storage location (spec.md §3).
var KdfDirID = hashid.Zero

// ErrNotFound is returned by Storage.GetDir when no blob is stored under
// the requested directory id.
var ErrNotFound = errors.New("kdfstore: directory not found")

// ErrConflict is returned by Storage.Commit when another writer committed
// a change to a directory this transaction touched since it started.
var ErrConflict = errors.New("kdfstore: commit conflict")

// TxID identifies one in-flight transaction, as handed out by StartTx.
type TxID string

// Storage is the transactional directory-blob contract from spec.md §6:
// start_tx/commit/abort, getdir, mkdir, rmdir. Implementations must make
// Commit fail with ErrConflict (not a generic error) whenever another
// writer replaced a directory this transaction depends on, since the
// 16-retry loop in internal/keymgmt specifically branches on that.
type Storage interface {
	// StartTx begins a new transaction and returns its id.
	StartTx(ctx context.Context) (TxID, error)

	// Commit attempts to make every Mkdir/Rmdir call issued under tx
	// durable and visible. It returns ErrConflict if the transaction's
	// expected versions no longer match the stored state.
	Commit(ctx context.Context, tx TxID) error

	// Abort discards tx's pending writes. It is safe to call on an
	// already-committed or already-aborted tx (best-effort, per spec.md
	// §4.4 step 7).
	Abort(ctx context.Context, tx TxID) error

	// GetDir returns the current version and bytes stored under dirID, or
	// ErrNotFound if nothing is stored there.
	GetDir(ctx context.Context, dirID hashid.HashId) (version hashid.HashId, data []byte, err error)

	// Mkdir stages writing data under dirID with the given version,
	// visible to other transactions only after Commit succeeds.
	Mkdir(ctx context.Context, tx TxID, dirID hashid.HashId, version hashid.HashId, data []byte) error

	// Rmdir stages removing dirID, but only if its currently stored
	// version and byte length still match expectedVersion/expectedLength;
	// otherwise Commit must fail with ErrConflict.
	Rmdir(ctx context.Context, tx TxID, dirID hashid.HashId, expectedVersion hashid.HashId, expectedLength int) error
}
