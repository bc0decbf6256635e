// Package blocks implements the block transfer layer: chopping a byte
// stream into fixed-maximum-size, HMAC-identified blocks and reversing the
// process with integrity verification (spec.md §4.1).
//
// Encryption is not this package's concern; the blocks it passes through
// are cleartext. The HMAC it computes is about content-addressing and
// tamper detection, not confidentiality.
package blocks

import (
	"errors"
	"fmt"
	"io"

	"cryptsync/internal/bufpool"
	"cryptsync/internal/hashid"
)

// ErrInvalidHmac signals that a BlockList's recorded total, or an
// individual block's recorded hash, did not match the bytes actually
// present — tampering or corruption (spec.md §7).
var ErrInvalidHmac = errors.New("blocks: HMAC does not match content")

// FetchStagingSize is the fixed staging buffer size used by BlocksToStream
// when copying each fetched block's bytes to the sink (spec.md §4.1.2
// suggests 4 KiB).
const FetchStagingSize = 4096

// BlockList is the manifest of a file: the HMAC of the concatenation of its
// member block hashes in order, the ordered member hashes themselves, and
// the total byte size. It is a plain value, moved between producer and
// consumer; it carries no behavior of its own beyond what StreamToBlocks
// and BlocksToStream provide.
type BlockList struct {
	// Total is the HMAC, under the same secret used for the member
	// blocks, of the concatenation of Blocks in order. It identifies the
	// file as a whole.
	Total hashid.HashId
	// Blocks is the ordered sequence of member block hashes. Empty if and
	// only if the source stream was empty.
	Blocks []hashid.HashId
	// Size is the total number of bytes read from the source stream.
	Size uint64
}

// Sink receives one block's hash and cleartext bytes at a time during
// StreamToBlocks. Implementations are responsible for persisting the
// block; an error returned here aborts the operation immediately and is
// propagated to the caller.
type Sink func(h hashid.HashId, data []byte) error

// Fetcher resolves a block hash to a reader over its cleartext bytes,
// used by BlocksToStream. The returned reader is read to completion (or
// until an error) and is not closed by BlocksToStream; callers that need
// cleanup should wrap the returned io.Reader accordingly (e.g. with
// io.NopCloser in reverse, or track the concrete type themselves).
type Fetcher func(h hashid.HashId) (io.Reader, error)

// StreamToBlocks reads all of src, splitting it into blocks of at most
// blockSize bytes. Each block's HMAC-SHA3-256 under secret is computed,
// the block is handed to sink, and the hash is appended to the returned
// BlockList. Reads reporting io.EOF terminate the current block (a short
// final block); nothing else about a read error is tolerated except
// ErrInterrupted-style retries, which this implementation handles by
// simply looping, matching io.Reader's documented retry contract.
//
// An empty src yields Blocks == nil, Size == 0, and Total ==
// HMAC(secret, "") — the coherency disclaimer in spec.md §4.1.1 applies:
// the concatenated bytes are not guaranteed to be a snapshot of src as of
// any single instant if src is being modified concurrently with the read.
func StreamToBlocks(src io.Reader, sink Sink, blockSize int, secret hashid.HmacSecret) (BlockList, error) {
	if blockSize < 1 {
		return BlockList{}, fmt.Errorf("blocks: block size must be >= 1, got %d", blockSize)
	}

	total := hashid.NewHmac(secret)
	var list BlockList

	bufPtr := bufpool.Get(blockSize)
	defer bufpool.Put(bufPtr)
	buf := *bufPtr

	for {
		off := 0
		for off < blockSize {
			n, err := src.Read(buf[off:])
			if n > 0 {
				off += n
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return BlockList{}, fmt.Errorf("blocks: read source: %w", err)
			}
			if n == 0 {
				// A Read returning (0, nil) is the closest Go analogue to
				// the reference's "interrupted, retry without advancing".
				continue
			}
		}

		if off == 0 {
			break
		}

		blockData := buf[:off]
		h := hashid.Hmac(secret, blockData)

		if err := sink(h, blockData); err != nil {
			return BlockList{}, fmt.Errorf("blocks: sink rejected block %s: %w", h, err)
		}

		total.Write(h[:])
		list.Blocks = append(list.Blocks, h)
		list.Size += uint64(off)

		if off < blockSize {
			// Short read that ended in EOF: this was the final block.
			break
		}
	}

	list.Total = total.Sum()
	return list, nil
}

// BlocksToStream is the inverse of StreamToBlocks. It first recomputes the
// HMAC of list.Blocks under secret and compares it against list.Total,
// failing with ErrInvalidHmac before writing any bytes if they disagree.
// It then fetches and streams each block in order, verifying that block's
// own HMAC as it is copied. If verification fails partway through, bytes
// already written to dst must be treated as corrupt by the caller; this
// function does not attempt to undo them.
func BlocksToStream(list BlockList, dst io.Writer, fetch Fetcher, secret hashid.HmacSecret) error {
	total := hashid.NewHmac(secret)
	for _, h := range list.Blocks {
		total.Write(h[:])
	}
	if !hashid.Equal(total.Sum(), list.Total) {
		return ErrInvalidHmac
	}

	bufPtr := bufpool.Get(FetchStagingSize)
	defer bufpool.Put(bufPtr)
	buf := *bufPtr

	for _, h := range list.Blocks {
		r, err := fetch(h)
		if err != nil {
			return fmt.Errorf("blocks: fetch block %s: %w", h, err)
		}

		running := hashid.NewHmac(secret)
		for {
			n, rerr := r.Read(buf)
			if n > 0 {
				running.Write(buf[:n])
				if _, werr := dst.Write(buf[:n]); werr != nil {
					return fmt.Errorf("blocks: write block %s: %w", h, werr)
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return fmt.Errorf("blocks: read block %s: %w", h, rerr)
			}
			if n == 0 {
				continue
			}
		}

		if !hashid.Equal(running.Sum(), h) {
			return ErrInvalidHmac
		}
	}

	return nil
}
