// Package digest computes the content hashes recorded in manifests.
package digest

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm names a content digest used in manifests and the hash cache
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// Default is the algorithm assumed when a manifest does not name one.
const Default = MD5

// Parse converts a name into an Algorithm. The empty string yields Default.
func Parse(name string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(name))) {
	case "":
		return Default, nil
	case MD5:
		return MD5, nil
	case SHA256:
		return SHA256, nil
	case BLAKE3:
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm %q (must be md5, sha256, or blake3)", name)
	}
}

// New returns a fresh hash.Hash for the algorithm
func (a Algorithm) New() hash.Hash {
	switch a {
	case SHA256:
		return sha256.New()
	case BLAKE3:
		return blake3.New()
	default:
		return md5.New()
	}
}

// Reader hashes everything read from r and returns the hex digest
func (a Algorithm) Reader(r io.Reader) (string, error) {
	h := a.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// File computes the hex digest of the file at path
func (a Algorithm) File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	return a.Reader(f)
}

// Sum returns the hex encoding of a finished hash
func Sum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// Equal compares two hex digests, ignoring case and surrounding whitespace.
func Equal(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
