// Package envelope implements the cipher envelope: object encryption,
// whole/append directory encryption, and directory version number
// encryption, all AES-128-CBC (spec.md §4.2). It is grounded directly on
// the teacher's internal/crypto package: pkcs7Pad/pkcs7Unpad, the held-
// last-chunk streaming padding technique from encryption.go, and the CBC
// part-chaining idiom ("Part N's IV = last 16 bytes of Part N-1's
// ciphertext") from streaming.go's CBCStreamingEncryptor.
//
// None of these constructions are authenticated on their own; integrity
// for objects comes from the block layer's HMAC (internal/blocks), and
// directory integrity is a higher-level concern this package does not
// implement (spec.md §4.2.4).
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"fmt"
	"io"

	"cryptsync/internal/bufpool"
	"cryptsync/internal/hashid"
	"cryptsync/internal/keychain"
)

// sessionPrefixStagingSize is the streaming buffer size for object
// encryption and decryption, matching the teacher's "small buffer" streaming
// chunk size used by EncryptFile/DecryptFile.
const sessionPrefixStagingSize = 32 * 1024

// zeroIV is the all-zero IV used to encrypt the random session prefix
// (spec.md §4.2.1): since the prefix's plaintext is itself uniformly
// random, the IV choice carries no cryptographic weight.
var zeroIV = make([]byte, aes.BlockSize)

// writeSessionPrefix generates a fresh 16-byte session key and 16-byte
// session IV, encrypts the 32-byte concatenation with AES-128-CBC under
// half (no padding, zero IV), and writes it to dst. It returns the
// generated (key, iv) pair for the caller to use for the remainder of the
// blob.
func writeSessionPrefix(dst io.Writer, half []byte, rnd io.Reader) (key, iv []byte, err error) {
	prefix := make([]byte, 32)
	if _, err := io.ReadFull(rnd, prefix); err != nil {
		return nil, nil, fmt.Errorf("envelope: generate session prefix: %w", err)
	}
	key = prefix[:16]
	iv = prefix[16:]

	block, err := aes.NewCipher(half)
	if err != nil {
		return nil, nil, fmt.Errorf("envelope: session prefix cipher: %w", err)
	}
	ciphertext := make([]byte, 32)
	cipher.NewCBCEncrypter(block, zeroIV).CryptBlocks(ciphertext, prefix)
	if _, err := dst.Write(ciphertext); err != nil {
		return nil, nil, fmt.Errorf("envelope: write session prefix: %w", err)
	}
	return key, iv, nil
}

// readSessionPrefix inverts writeSessionPrefix: it reads the 32-byte
// encrypted prefix from src and recovers the session (key, iv) pair.
func readSessionPrefix(src io.Reader, half []byte) (key, iv []byte, err error) {
	ciphertext := make([]byte, 32)
	if _, err := io.ReadFull(src, ciphertext); err != nil {
		return nil, nil, fmt.Errorf("envelope: read session prefix: %w", err)
	}
	block, err := aes.NewCipher(half)
	if err != nil {
		return nil, nil, fmt.Errorf("envelope: session prefix cipher: %w", err)
	}
	prefix := make([]byte, 32)
	cipher.NewCBCDecrypter(block, zeroIV).CryptBlocks(prefix, ciphertext)
	return prefix[:16], prefix[16:], nil
}

// pkcs7Pad appends PKCS7 padding for aes.BlockSize.
func pkcs7Pad(data []byte) []byte {
	padding := aes.BlockSize - len(data)%aes.BlockSize
	padded := make([]byte, len(data)+padding)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padding)
	}
	return padded
}

// pkcs7Unpad removes and validates PKCS7 padding, matching the teacher's
// defense-in-depth full-padding verification.
func pkcs7Unpad(data []byte) ([]byte, error) {
	n := len(data)
	if n == 0 {
		return nil, fmt.Errorf("envelope: invalid padding: empty data")
	}
	padding := int(data[n-1])
	if padding == 0 || padding > n || padding > aes.BlockSize {
		return nil, fmt.Errorf("envelope: invalid padding size: %d", padding)
	}
	for i := 0; i < padding; i++ {
		if data[n-1-i] != byte(padding) {
			return nil, fmt.Errorf("envelope: invalid padding byte at position %d", i)
		}
	}
	return data[:n-padding], nil
}

// EncryptObject writes the session prefix (under master's object half)
// followed by AES-128-CBC(PKCS7(src)) under the generated session key/IV
// to dst (spec.md §4.2.2).
func EncryptObject(dst io.Writer, src io.Reader, master keychain.MasterKey, rnd io.Reader) error {
	key, iv, err := writeSessionPrefix(dst, master.ObjectHalf(), rnd)
	if err != nil {
		return err
	}
	return streamEncryptPadded(dst, src, key, iv)
}

// DecryptObject inverts EncryptObject.
func DecryptObject(dst io.Writer, src io.Reader, master keychain.MasterKey) error {
	key, iv, err := readSessionPrefix(src, master.ObjectHalf())
	if err != nil {
		return err
	}
	return streamDecryptPadded(dst, src, key, iv)
}

// streamEncryptPadded is the teacher's held-last-chunk streaming PKCS7
// encryption loop (encryption.go's EncryptFile), generalized from a
// file-to-file operation to an io.Reader/io.Writer pair.
func streamEncryptPadded(dst io.Writer, src io.Reader, key, iv []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("envelope: cipher: %w", err)
	}
	mode := cipher.NewCBCEncrypter(block, iv)

	bufPtr := bufpool.Get(sessionPrefixStagingSize)
	defer bufpool.Put(bufPtr)
	buf := *bufPtr

	var pending []byte
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			complete := (len(pending) / aes.BlockSize) * aes.BlockSize
			if complete > 0 {
				toEncrypt := pending[:complete]
				encrypted := make([]byte, complete)
				mode.CryptBlocks(encrypted, toEncrypt)
				if _, werr := dst.Write(encrypted); werr != nil {
					return fmt.Errorf("envelope: write ciphertext: %w", werr)
				}
				pending = append([]byte(nil), pending[complete:]...)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("envelope: read plaintext: %w", rerr)
		}
		if n == 0 {
			continue
		}
	}

	padded := pkcs7Pad(pending)
	encrypted := make([]byte, len(padded))
	mode.CryptBlocks(encrypted, padded)
	if _, err := dst.Write(encrypted); err != nil {
		return fmt.Errorf("envelope: write final ciphertext: %w", err)
	}
	return nil
}

// streamDecryptPadded is the teacher's streaming decrypt-then-unpad loop
// (encryption.go's DecryptFile), reworked to operate over an io.Reader of
// unknown total length rather than a stat'able file: since it doesn't know
// the final block in advance, it holds back one full ciphertext block at
// all times and only unpads once the source is exhausted.
func streamDecryptPadded(dst io.Writer, src io.Reader, key, iv []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("envelope: cipher: %w", err)
	}
	mode := cipher.NewCBCDecrypter(block, iv)

	bufPtr := bufpool.Get(sessionPrefixStagingSize)
	defer bufpool.Put(bufPtr)
	buf := *bufPtr

	var pending []byte
	var held []byte // the reserved last full ciphertext block, plus any trailing partial-block bytes
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
		}
		if rerr != nil && rerr != io.EOF {
			return fmt.Errorf("envelope: read ciphertext: %w", rerr)
		}

		eof := rerr == io.EOF
		available := len(held) + len(pending)
		blocksAvail := available / aes.BlockSize
		// Always keep at least one ciphertext block in reserve, even at
		// EOF: it must not be decrypted until the stream is known to be
		// fully drained, since it is the one that carries PKCS7 padding.
		if blocksAvail > 0 {
			blocksAvail--
		}
		if blocksAvail > 0 {
			combined := append(held, pending...)
			toDecrypt := combined[:blocksAvail*aes.BlockSize]
			decrypted := make([]byte, len(toDecrypt))
			mode.CryptBlocks(decrypted, toDecrypt)
			if _, werr := dst.Write(decrypted); werr != nil {
				return fmt.Errorf("envelope: write plaintext: %w", werr)
			}
			rest := combined[len(toDecrypt):]
			held = append([]byte(nil), rest...)
			pending = nil
		} else if n > 0 {
			held = append(held, pending...)
			pending = nil
		}

		if eof {
			break
		}
	}

	if len(held)%aes.BlockSize != 0 {
		return fmt.Errorf("envelope: ciphertext length is not a multiple of the AES block size")
	}
	if len(held) == 0 {
		return fmt.Errorf("envelope: empty ciphertext")
	}
	decrypted := make([]byte, len(held))
	mode.CryptBlocks(decrypted, held)
	plain, err := pkcs7Unpad(decrypted)
	if err != nil {
		return err
	}
	if _, err := dst.Write(plain); err != nil {
		return fmt.Errorf("envelope: write final plaintext: %w", err)
	}
	return nil
}

// EncryptWholeDir writes the session prefix under master's directory half,
// then AES-128-CBC(src) with no padding under the generated session key.
// len(src) must be a positive multiple of 16. It returns the session key
// and the IV to use for a subsequent EncryptAppendDir call (the last 16
// bytes of the ciphertext just written) — per spec.md §4.2.3, this
// lets a caller continue the CBC chain without rewriting earlier bytes.
func EncryptWholeDir(dst io.Writer, src []byte, master keychain.MasterKey, rnd io.Reader) (key, iv []byte, err error) {
	if len(src) == 0 || len(src)%aes.BlockSize != 0 {
		return nil, nil, fmt.Errorf("envelope: whole-dir plaintext must be a positive multiple of %d bytes, got %d", aes.BlockSize, len(src))
	}
	key, sessionIV, err := writeSessionPrefix(dst, master.DirectoryHalf(), rnd)
	if err != nil {
		return nil, nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("envelope: cipher: %w", err)
	}
	ciphertext := make([]byte, len(src))
	cipher.NewCBCEncrypter(block, sessionIV).CryptBlocks(ciphertext, src)
	if _, err := dst.Write(ciphertext); err != nil {
		return nil, nil, fmt.Errorf("envelope: write ciphertext: %w", err)
	}
	return key, DirAppendIV(ciphertext), nil
}

// DecryptWholeDir inverts EncryptWholeDir: it reads the session prefix
// under master's directory half, decrypts the remaining ciphertextLen
// bytes (which must be a positive multiple of 16), and returns the
// plaintext along with the session key and the IV for any subsequent
// append chunks.
func DecryptWholeDir(src io.Reader, ciphertextLen int, master keychain.MasterKey) (plain, key, iv []byte, err error) {
	if ciphertextLen == 0 || ciphertextLen%aes.BlockSize != 0 {
		return nil, nil, nil, fmt.Errorf("envelope: whole-dir ciphertext must be a positive multiple of %d bytes, got %d", aes.BlockSize, ciphertextLen)
	}
	key, sessionIV, err := readSessionPrefix(src, master.DirectoryHalf())
	if err != nil {
		return nil, nil, nil, err
	}
	ciphertext := make([]byte, ciphertextLen)
	if _, err := io.ReadFull(src, ciphertext); err != nil {
		return nil, nil, nil, fmt.Errorf("envelope: read whole-dir ciphertext: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("envelope: cipher: %w", err)
	}
	plain = make([]byte, ciphertextLen)
	cipher.NewCBCDecrypter(block, sessionIV).CryptBlocks(plain, ciphertext)
	return plain, key, DirAppendIV(ciphertext), nil
}

// DirAppendIV derives the IV for the next append chunk from the
// ciphertext produced so far: its last 16 bytes (spec.md §4.2.4). This is
// exactly the teacher's CBCStreamingEncryptor chaining rule ("Part N's IV
// = last 16 bytes of Part N-1's ciphertext").
func DirAppendIV(ciphertextSoFar []byte) []byte {
	if len(ciphertextSoFar) < aes.BlockSize {
		panic("envelope: DirAppendIV requires at least one full ciphertext block")
	}
	iv := make([]byte, aes.BlockSize)
	copy(iv, ciphertextSoFar[len(ciphertextSoFar)-aes.BlockSize:])
	return iv
}

// EncryptAppendDir encrypts src (a positive multiple of 16 bytes) under
// the session key and IV returned by a prior EncryptWholeDir or
// EncryptAppendDir call, continuing the CBC chain with no padding. It
// returns the IV to use for the next append.
func EncryptAppendDir(dst io.Writer, src, key, iv []byte) (nextIV []byte, err error) {
	if len(src) == 0 || len(src)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("envelope: append-dir plaintext must be a positive multiple of %d bytes, got %d", aes.BlockSize, len(src))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: cipher: %w", err)
	}
	ciphertext := make([]byte, len(src))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, src)
	if _, err := dst.Write(ciphertext); err != nil {
		return nil, fmt.Errorf("envelope: write ciphertext: %w", err)
	}
	return DirAppendIV(ciphertext), nil
}

// DecryptAppendDir inverts EncryptAppendDir.
func DecryptAppendDir(src io.Reader, ciphertextLen int, key, iv []byte) (plain, nextIV []byte, err error) {
	if ciphertextLen == 0 || ciphertextLen%aes.BlockSize != 0 {
		return nil, nil, fmt.Errorf("envelope: append-dir ciphertext must be a positive multiple of %d bytes, got %d", aes.BlockSize, ciphertextLen)
	}
	ciphertext := make([]byte, ciphertextLen)
	if _, err := io.ReadFull(src, ciphertext); err != nil {
		return nil, nil, fmt.Errorf("envelope: read append-dir ciphertext: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("envelope: cipher: %w", err)
	}
	plain = make([]byte, ciphertextLen)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	return plain, DirAppendIV(ciphertext), nil
}

// dirVerIV derives the directory version cipher's IV from a directory id:
// the first and third 8-byte quarters of dirID, XORed together into the
// first 8 bytes of a 16-byte IV; the remaining 8 bytes are left zero.
//
// This is preserved bit-for-bit per spec.md §9 open question 2: whether
// leaving the upper half zero is intentional obfuscation or a latent bug
// in the reference design is unclear, but reimplementations must match it
// for bit-compatibility rather than silently strengthen it.
func dirVerIV(dirID hashid.HashId) []byte {
	iv := make([]byte, aes.BlockSize)
	for i := 0; i < 8; i++ {
		iv[i] = dirID[i] ^ dirID[16+i]
	}
	return iv
}

// EncryptDirVersion encodes version as a little-endian u64 in the first 8
// bytes of a 32-byte cleartext block (the remaining 24 bytes zero) and
// encrypts it with AES-128-CBC under master's directory half and
// dirVerIV(dirID), no padding (spec.md §4.2.5).
func EncryptDirVersion(dirID hashid.HashId, version uint64, master keychain.MasterKey) hashid.HashId {
	var plain [32]byte
	for i := 0; i < 8; i++ {
		plain[i] = byte(version >> (8 * i))
	}
	block, err := aes.NewCipher(master.DirectoryHalf())
	if err != nil {
		// AES-128 requires exactly 16 key bytes, which DirectoryHalf always
		// supplies; this can only happen if MasterKey's invariant is broken.
		panic(fmt.Sprintf("envelope: directory half is not a valid AES-128 key: %v", err))
	}
	var ciphertext hashid.HashId
	cipher.NewCBCEncrypter(block, dirVerIV(dirID)).CryptBlocks(ciphertext[:], plain[:])
	return ciphertext
}

// DecryptDirVersion inverts EncryptDirVersion. If the recovered plaintext's
// bytes 8..32 are not all zero, decryption is treated as tampered and the
// function returns 0 rather than an error, so callers observe "version
// rolled back to zero" (spec.md §4.2.5, §7).
func DecryptDirVersion(dirID hashid.HashId, ciphertext hashid.HashId, master keychain.MasterKey) uint64 {
	block, err := aes.NewCipher(master.DirectoryHalf())
	if err != nil {
		panic(fmt.Sprintf("envelope: directory half is not a valid AES-128 key: %v", err))
	}
	var plain [32]byte
	cipher.NewCBCDecrypter(block, dirVerIV(dirID)).CryptBlocks(plain[:], ciphertext[:])

	if subtle.ConstantTimeCompare(plain[8:], make([]byte, 24)) != 1 {
		return 0
	}

	var version uint64
	for i := 0; i < 8; i++ {
		version |= uint64(plain[i]) << (8 * i)
	}
	return version
}
