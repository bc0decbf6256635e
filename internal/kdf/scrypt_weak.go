//go:build cryptsync_weakkdf

package kdf

import "golang.org/x/crypto/scrypt"

// Algorithm matches the production build's token: the weak build is a
// drop-in substitute for test runs, not a distinct algorithm.
const Algorithm = "scrypt-18-8-1"

// Weakened cost parameters for test builds only. Never select this build
// tag for anything that touches real passphrases.
const (
	scryptN       = 1 << 12
	scryptR       = 4
	scryptP       = 1
	derivedKeyLen = 32
)

// Scrypt18_8_1 derives a 32-byte key using the weakened test parameter
// set. See the non-tagged scrypt.go for the production implementation.
func Scrypt18_8_1(passphrase []byte, salt []byte) ([]byte, error) {
	return scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, derivedKeyLen)
}
