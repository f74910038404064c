package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// API keys read svk_<env>_<prefix>_<secret>, e.g.
// svk_live_7a9b3c_4f8d2e1b9c7a5f3d2e1b9c7a5f3d2e1b. The prefix is stored in
// clear to narrow lookups; only the argon2 hash of the whole key is kept.
const (
	keyScheme    = "svk"
	KeyPrefixLen = 6
	KeySecretLen = 32
)

// Key environments. Test keys come from development servers.
const (
	EnvLive = "live"
	EnvTest = "test"
)

// ErrInvalidKeyFormat is returned for anything that is not a well-formed key.
var ErrInvalidKeyFormat = errors.New("invalid API key format")

// ParsedKey holds the fields of a plaintext key.
type ParsedKey struct {
	Env    string
	Prefix string
	Secret string
}

func (k ParsedKey) String() string {
	return strings.Join([]string{keyScheme, k.Env, k.Prefix, k.Secret}, "_")
}

// GeneratedKey is a fresh key. Plaintext is returned to the caller once.
type GeneratedKey struct {
	Plaintext string
	Hash      string
	Prefix    string
}

// GenerateAPIKey mints a key for env (anything but "test" means live) and
// hashes it with p.
func GenerateAPIKey(env string, p Params) (*GeneratedKey, error) {
	if env != EnvTest {
		env = EnvLive
	}

	buf := make([]byte, (KeyPrefixLen+KeySecretLen)/2)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	raw := hex.EncodeToString(buf)
	k := ParsedKey{Env: env, Prefix: raw[:KeyPrefixLen], Secret: raw[KeyPrefixLen:]}

	plaintext := k.String()
	hash, err := HashKey(plaintext, p)
	if err != nil {
		return nil, fmt.Errorf("hash key: %w", err)
	}
	return &GeneratedKey{Plaintext: plaintext, Hash: hash, Prefix: k.Prefix}, nil
}

// ParseAPIKey splits a plaintext key into its fields.
func ParseAPIKey(key string) (*ParsedKey, error) {
	parts := strings.Split(key, "_")
	if len(parts) != 4 || parts[0] != keyScheme {
		return nil, ErrInvalidKeyFormat
	}
	k := &ParsedKey{Env: parts[1], Prefix: parts[2], Secret: parts[3]}
	if k.Env != EnvLive && k.Env != EnvTest {
		return nil, ErrInvalidKeyFormat
	}
	if !lowerHex(k.Prefix, KeyPrefixLen) || !lowerHex(k.Secret, KeySecretLen) {
		return nil, ErrInvalidKeyFormat
	}
	return k, nil
}

// ValidateKeyFormat reports whether key parses.
func ValidateKeyFormat(key string) bool {
	_, err := ParseAPIKey(key)
	return err == nil
}

func lowerHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
