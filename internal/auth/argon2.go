// Package auth mints, hashes and verifies API keys and carries the
// authenticated caller through request contexts.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Params are Argon2id costs for new hashes. Verification reads the costs
// stored in the hash itself.
type Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

var (
	// DefaultParams is the production profile.
	DefaultParams = Params{Time: 3, Memory: 64 * 1024, Threads: 4}
	// LightParams is for development servers and tests.
	LightParams = Params{Time: 1, Memory: 8 * 1024, Threads: 1}
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
)

const (
	saltLen = 16
	hashLen = 32
)

var b64 = base64.RawStdEncoding

// phc is a decoded $argon2id$v=..$m=..,t=..,p=..$salt$hash string.
type phc struct {
	params Params
	salt   []byte
	sum    []byte
}

func (h phc) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.params.Memory, h.params.Time, h.params.Threads,
		b64.EncodeToString(h.salt), b64.EncodeToString(h.sum))
}

func parsePHC(s string) (phc, error) {
	var h phc
	f := strings.Split(s, "$")
	if len(f) != 6 || f[0] != "" || f[1] != "argon2id" {
		return h, ErrInvalidHash
	}

	var v int
	if _, err := fmt.Sscanf(f[2], "v=%d", &v); err != nil {
		return h, ErrInvalidHash
	}
	if v != argon2.Version {
		return h, ErrIncompatibleVersion
	}

	p := &h.params
	if _, err := fmt.Sscanf(f[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return h, ErrInvalidHash
	}

	var err error
	if h.salt, err = b64.DecodeString(f[4]); err != nil {
		return h, ErrInvalidHash
	}
	if h.sum, err = b64.DecodeString(f[5]); err != nil || len(h.sum) == 0 {
		return h, ErrInvalidHash
	}
	return h, nil
}

// HashKey returns the Argon2id hash of key in PHC form. Zero params mean
// DefaultParams.
func HashKey(key string, p Params) (string, error) {
	if p.Time == 0 || p.Memory == 0 || p.Threads == 0 {
		p = DefaultParams
	}
	h := phc{params: p, salt: make([]byte, saltLen)}
	if _, err := rand.Read(h.salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}
	h.sum = argon2.IDKey([]byte(key), h.salt, p.Time, p.Memory, p.Threads, hashLen)
	return h.String(), nil
}

// VerifyKey reports whether key hashes to encoded. The comparison is
// constant time.
func VerifyKey(key, encoded string) (bool, error) {
	h, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	p := h.params
	sum := argon2.IDKey([]byte(key), h.salt, p.Time, p.Memory, p.Threads, uint32(len(h.sum)))
	return subtle.ConstantTimeCompare(sum, h.sum) == 1, nil
}

// QuickHash is a fast digest of a plaintext key, used only as a cache key.
func QuickHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:16])
}
