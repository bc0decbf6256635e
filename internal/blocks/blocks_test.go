package blocks

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"testing"

	"cryptsync/internal/hashid"
)

// memStore is a trivial in-memory block store used to round-trip data
// through StreamToBlocks and BlocksToStream in tests.
type memStore struct {
	blocks map[hashid.HashId][]byte
}

func newMemStore() *memStore {
	return &memStore{blocks: map[hashid.HashId][]byte{}}
}

func (m *memStore) sink(h hashid.HashId, data []byte) error {
	cp := append([]byte(nil), data...)
	m.blocks[h] = cp
	return nil
}

func (m *memStore) fetch(h hashid.HashId) (io.Reader, error) {
	data, ok := m.blocks[h]
	if !ok {
		return nil, fmt.Errorf("no such block: %s", h)
	}
	return bytes.NewReader(data), nil
}

func TestStreamToBlocksHelloWorld(t *testing.T) {
	// E1: "hello world" (11 bytes), block size 5, secret "k" yields three
	// blocks ("hello", " worl", "d"), size 11.
	store := newMemStore()
	secret := hashid.HmacSecret("k")

	list, err := StreamToBlocks(bytes.NewReader([]byte("hello world")), store.sink, 5, secret)
	if err != nil {
		t.Fatalf("StreamToBlocks: %v", err)
	}

	if list.Size != 11 {
		t.Fatalf("size = %d, want 11", list.Size)
	}
	if len(list.Blocks) != 3 {
		t.Fatalf("got %d blocks, want 3", len(list.Blocks))
	}

	wantHashes := []hashid.HashId{
		hashid.Hmac(secret, []byte("hello")),
		hashid.Hmac(secret, []byte(" worl")),
		hashid.Hmac(secret, []byte("d")),
	}
	for i, want := range wantHashes {
		if list.Blocks[i] != want {
			t.Fatalf("block %d hash mismatch", i)
		}
	}

	wantTotal := hashid.NewHmac(secret)
	for _, h := range wantHashes {
		wantTotal.Write(h[:])
	}
	if list.Total != wantTotal.Sum() {
		t.Fatalf("total hash mismatch")
	}
}

func TestStreamToBlocksEmpty(t *testing.T) {
	// E2: empty input yields blocks = [], size = 0, total = HMAC(secret, "").
	store := newMemStore()
	secret := hashid.HmacSecret("secret")

	list, err := StreamToBlocks(bytes.NewReader(nil), store.sink, 5, secret)
	if err != nil {
		t.Fatalf("StreamToBlocks: %v", err)
	}
	if len(list.Blocks) != 0 {
		t.Fatalf("expected no blocks, got %d", len(list.Blocks))
	}
	if list.Size != 0 {
		t.Fatalf("expected size 0, got %d", list.Size)
	}
	if list.Total != hashid.Hmac(secret, nil) {
		t.Fatalf("expected total = HMAC(secret, empty)")
	}
}

func TestStreamToBlocksExactMultipleEmitsNoEmptyBlock(t *testing.T) {
	store := newMemStore()
	secret := hashid.HmacSecret("k")
	data := bytes.Repeat([]byte("x"), 10) // exact multiple of block size 5

	list, err := StreamToBlocks(bytes.NewReader(data), store.sink, 5, secret)
	if err != nil {
		t.Fatalf("StreamToBlocks: %v", err)
	}
	if len(list.Blocks) != 2 {
		t.Fatalf("got %d blocks, want 2 (no trailing empty block)", len(list.Blocks))
	}
}

func roundTrip(t *testing.T, data []byte, blockSize int, secret hashid.HmacSecret) {
	t.Helper()
	store := newMemStore()

	list, err := StreamToBlocks(bytes.NewReader(data), store.sink, blockSize, secret)
	if err != nil {
		t.Fatalf("StreamToBlocks: %v", err)
	}

	var out bytes.Buffer
	if err := BlocksToStream(list, &out, store.fetch, secret); err != nil {
		t.Fatalf("BlocksToStream: %v", err)
	}

	if !bytes.Equal(out.Bytes(), data) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", out.Len(), len(data))
	}
	if list.Size != uint64(len(data)) {
		t.Fatalf("list.Size = %d, want %d", list.Size, len(data))
	}
}

func TestRoundTripVariousSizes(t *testing.T) {
	sizes := []int{0, 1, 4, 5, 6, 11, 1024, 4097}
	blockSizes := []int{1, 5, 4096}
	secret := hashid.HmacSecret("round-trip-secret")

	for _, size := range sizes {
		data := make([]byte, size)
		if _, err := rand.Read(data); err != nil {
			t.Fatalf("rand.Read: %v", err)
		}
		for _, bs := range blockSizes {
			roundTrip(t, data, bs, secret)
		}
	}
}

func TestBlocksToStreamDetectsTotalTamper(t *testing.T) {
	store := newMemStore()
	secret := hashid.HmacSecret("k")
	list, err := StreamToBlocks(bytes.NewReader([]byte("hello world")), store.sink, 5, secret)
	if err != nil {
		t.Fatalf("StreamToBlocks: %v", err)
	}

	list.Blocks[0], list.Blocks[1] = list.Blocks[1], list.Blocks[0] // permute

	var out bytes.Buffer
	err = BlocksToStream(list, &out, store.fetch, secret)
	if !errors.Is(err, ErrInvalidHmac) {
		t.Fatalf("expected ErrInvalidHmac for permuted blocks, got %v", err)
	}
}

func TestBlocksToStreamDetectsBodyTamper(t *testing.T) {
	store := newMemStore()
	secret := hashid.HmacSecret("k")
	list, err := StreamToBlocks(bytes.NewReader([]byte("hello world")), store.sink, 5, secret)
	if err != nil {
		t.Fatalf("StreamToBlocks: %v", err)
	}

	// Flip a bit in the stored body for the first block without updating
	// its recorded hash; blocks_to_stream must detect this.
	first := list.Blocks[0]
	store.blocks[first][0] ^= 0xff

	var out bytes.Buffer
	err = BlocksToStream(list, &out, store.fetch, secret)
	if !errors.Is(err, ErrInvalidHmac) {
		t.Fatalf("expected ErrInvalidHmac for tampered block body, got %v", err)
	}
}

func TestBlocksToStreamDetectsHashIdTamper(t *testing.T) {
	store := newMemStore()
	secret := hashid.HmacSecret("k")
	list, err := StreamToBlocks(bytes.NewReader([]byte("hello world")), store.sink, 5, secret)
	if err != nil {
		t.Fatalf("StreamToBlocks: %v", err)
	}

	list.Blocks[0][0] ^= 0xff // flip a bit in the recorded hash itself

	var out bytes.Buffer
	err = BlocksToStream(list, &out, store.fetch, secret)
	if !errors.Is(err, ErrInvalidHmac) {
		t.Fatalf("expected ErrInvalidHmac for tampered HashId, got %v", err)
	}
}

func TestStreamToBlocksSinkErrorAborts(t *testing.T) {
	wantErr := errors.New("sink refused")
	_, err := StreamToBlocks(bytes.NewReader([]byte("hello world")), func(h hashid.HashId, data []byte) error {
		return wantErr
	}, 5, hashid.HmacSecret("k"))

	if !errors.Is(err, wantErr) {
		t.Fatalf("expected sink error to propagate, got %v", err)
	}
}

func TestStreamToBlocksRejectsZeroBlockSize(t *testing.T) {
	_, err := StreamToBlocks(bytes.NewReader(nil), func(hashid.HashId, []byte) error { return nil }, 0, hashid.HmacSecret("k"))
	if err == nil {
		t.Fatalf("expected an error for block size 0")
	}
}
