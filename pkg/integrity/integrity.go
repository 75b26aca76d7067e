// Package integrity computes and checks package archive digests.
//
// Digests are written "<algorithm>-<encoded sum>". The lockfile always
// records "sha256-<hex>". Registries hand out other forms, all accepted by
// [Parse] and [Verify]:
//
//	sha256-9f86d081884c7d65...   lockfile form (hex)
//	sha512-z4PhNX7vuL3xVChQ1m2... subresource-integrity form (base64)
//	da39a3ee5e6b4b0d3255bfef...   bare 40-char hex, a registry "shasum" (sha1)
package integrity

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/OpenChatGit/polypkg/pkg/errors"
)

// Supported algorithms.
const (
	SHA1   = "sha1"
	SHA256 = "sha256"
	SHA512 = "sha512"
)

var newHash = map[string]func() hash.Hash{
	SHA1:   sha1.New,
	SHA256: sha256.New,
	SHA512: sha512.New,
}

// Digest is a parsed integrity string.
type Digest struct {
	Algorithm string
	Sum       []byte
}

// String renders the digest as "<algorithm>-<hex>".
func (d Digest) String() string {
	return d.Algorithm + "-" + hex.EncodeToString(d.Sum)
}

// Parse decodes an integrity string. The sum may be hex or standard base64.
func Parse(s string) (Digest, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Digest{}, errors.New(errors.ErrCodeIntegrityInvalid, "empty integrity string")
	}

	algo, enc, ok := strings.Cut(s, "-")
	if !ok {
		// Bare shasum
		if len(s) == 2*sha1.Size {
			if sum, err := hex.DecodeString(s); err == nil {
				return Digest{Algorithm: SHA1, Sum: sum}, nil
			}
		}
		return Digest{}, errors.New(errors.ErrCodeIntegrityInvalid, "unrecognized integrity %q", s)
	}

	algo = strings.ToLower(algo)
	h, known := newHash[algo]
	if !known {
		return Digest{}, errors.New(errors.ErrCodeIntegrityInvalid, "unsupported integrity algorithm %q", algo)
	}
	size := h().Size()

	if len(enc) == 2*size {
		if sum, err := hex.DecodeString(enc); err == nil {
			return Digest{Algorithm: algo, Sum: sum}, nil
		}
	}
	if sum, err := base64.StdEncoding.DecodeString(enc); err == nil && len(sum) == size {
		return Digest{Algorithm: algo, Sum: sum}, nil
	}
	return Digest{}, errors.New(errors.ErrCodeIntegrityInvalid, "malformed %s digest %q", algo, enc)
}

// Compute hashes data with the given algorithm.
func Compute(algorithm string, data []byte) (Digest, error) {
	h, ok := newHash[algorithm]
	if !ok {
		return Digest{}, errors.New(errors.ErrCodeIntegrityInvalid, "unsupported integrity algorithm %q", algorithm)
	}
	w := h()
	w.Write(data)
	return Digest{Algorithm: algorithm, Sum: w.Sum(nil)}, nil
}

// Sum256 returns the lockfile form "sha256-<hex>" of data.
func Sum256(data []byte) string {
	sum := sha256.Sum256(data)
	return SHA256 + "-" + hex.EncodeToString(sum[:])
}

// IsLockForm reports whether s is exactly "sha256-" followed by 64 lowercase
// hex characters.
func IsLockForm(s string) bool {
	enc, ok := strings.CutPrefix(s, SHA256+"-")
	if !ok || len(enc) != 2*sha256.Size {
		return false
	}
	for _, r := range enc {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}

// MismatchError reports bytes that did not hash to the expected digest.
type MismatchError struct {
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("expected %s, got %s", e.Expected, e.Actual)
}

// Verify checks data against expected. It fails with INTEGRITY_MISMATCH when
// the digests differ and INTEGRITY_INVALID when expected cannot be parsed.
func Verify(data []byte, expected string) error {
	want, err := Parse(expected)
	if err != nil {
		return err
	}
	got, err := Compute(want.Algorithm, data)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want.Sum, got.Sum) != 1 {
		return errors.Wrap(errors.ErrCodeIntegrityMismatch,
			&MismatchError{Expected: want.String(), Actual: got.String()},
			"integrity check failed")
	}
	return nil
}
