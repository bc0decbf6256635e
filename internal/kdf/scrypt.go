//go:build !cryptsync_weakkdf

// Package kdf implements the scrypt-18-8-1 passphrase derivation function
// (spec.md §4.3.1) and the KdfEntry/KdfList wire format built on top of it
// (internal/kdf/entry.go).
//
// This file carries the production parameter set. A second file, guarded
// by the cryptsync_weakkdf build tag, swaps in a far cheaper parameter set
// for fast test runs — mirroring the reference implementation's
// #[cfg(not(test))]/#[cfg(test)] split (spec.md §4.3.1) with a Go build
// tag instead of a compiler cfg attribute.
package kdf

import "golang.org/x/crypto/scrypt"

// Algorithm is the well-known token recorded on every KdfEntry produced by
// this build. It never changes across the production/weak parameter
// split: the token names the algorithm family, not the build-specific
// cost parameters, matching the reference's single "scrypt-18-8-1" token
// for both builds.
const Algorithm = "scrypt-18-8-1"

const (
	scryptN      = 1 << 18
	scryptR      = 8
	scryptP      = 1
	derivedKeyLen = 32
)

// Scrypt18_8_1 derives a 32-byte key from passphrase and salt using scrypt
// with N=2^18, r=8, p=1.
func Scrypt18_8_1(passphrase []byte, salt []byte) ([]byte, error) {
	return scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, derivedKeyLen)
}
