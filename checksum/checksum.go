// Package checksum provides streaming hash computation and verification for
// the digests published in Debian-style release and checksum-table entries.
// SHA256 is the required algorithm; SHA1 and MD5 are accepted for legacy
// repositories that still publish them alongside SHA256.
package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"strings"

	"github.com/etnz/apt-refresh/refresherr"
)

// Algo names a supported digest algorithm.
type Algo string

const (
	SHA256 Algo = "sha256"
	SHA1   Algo = "sha1"
	MD5    Algo = "md5"
)

func newHash(algo Algo) hash.Hash {
	switch algo {
	case SHA1:
		return sha1.New()
	case MD5:
		return md5.New()
	default:
		return sha256.New()
	}
}

// Validator accumulates bytes through Update and compares the final digest
// against an expected hex string on Finish.
type Validator struct {
	h        hash.Hash
	expected string
}

// Begin constructs a Validator for algo against expectedHex. It returns
// refresherr.BadDigest if expectedHex is not valid lowercase/uppercase hex.
func Begin(algo Algo, expectedHex string) (*Validator, error) {
	if _, err := hex.DecodeString(expectedHex); err != nil {
		return nil, &refresherr.BadDigest{Hex: expectedHex}
	}
	return &Validator{h: newHash(algo), expected: strings.ToLower(expectedHex)}, nil
}

// Update feeds more bytes into the running digest.
func (v *Validator) Update(p []byte) {
	v.h.Write(p)
}

// Finish compares the accumulated digest against the expected hex digest in
// constant time and returns whether they match.
func (v *Validator) Finish() bool {
	got := hex.EncodeToString(v.h.Sum(nil))
	if len(got) != len(v.expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(v.expected)) == 1
}

// Verify is a one-shot helper equivalent to Begin+Update+Finish over an
// already-materialized byte slice.
func Verify(algo Algo, data []byte, expectedHex string) (bool, error) {
	v, err := Begin(algo, expectedHex)
	if err != nil {
		return false, err
	}
	v.Update(data)
	return v.Finish(), nil
}
