package auth

import (
	"strings"
	"testing"
)

func TestHashKey_EncodesParams(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		params Params
		want   string
	}{
		{"default", DefaultParams, "m=65536,t=3,p=4"},
		{"light", LightParams, "m=8192,t=1,p=1"},
		{"zero falls back to default", Params{}, "m=65536,t=3,p=4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			hash, err := HashKey("svk_live_abc123_4f8d2e1b9c7a5f3d2e1b9c7a5f3d2e1b", tt.params)
			if err != nil {
				t.Fatalf("HashKey failed: %v", err)
			}
			f := strings.Split(hash, "$")
			if len(f) != 6 || f[1] != "argon2id" || f[2] != "v=19" {
				t.Fatalf("unexpected PHC header in %s", hash)
			}
			if f[3] != tt.want {
				t.Errorf("params = %s, want %s", f[3], tt.want)
			}

			h, err := parsePHC(hash)
			if err != nil {
				t.Fatalf("parsePHC failed: %v", err)
			}
			if len(h.salt) != saltLen || len(h.sum) != hashLen {
				t.Errorf("salt/hash lengths = %d/%d", len(h.salt), len(h.sum))
			}
			if h.String() != hash {
				t.Errorf("re-encoded hash differs:\n%s\n%s", h.String(), hash)
			}
		})
	}
}

func TestHashKey_Uniqueness(t *testing.T) {
	t.Parallel()

	hash1, err := HashKey("the_same_key_12345", LightParams)
	if err != nil {
		t.Fatalf("HashKey failed: %v", err)
	}
	hash2, err := HashKey("the_same_key_12345", LightParams)
	if err != nil {
		t.Fatalf("HashKey failed: %v", err)
	}

	if hash1 == hash2 {
		t.Error("Same key should produce different hashes due to random salt")
	}
}

func TestVerifyKey(t *testing.T) {
	t.Parallel()

	const key = "svk_test_abc123_4f8d2e1b9c7a5f3d2e1b9c7a5f3d2e1b"
	hash, err := HashKey(key, LightParams)
	if err != nil {
		t.Fatalf("HashKey failed: %v", err)
	}

	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"correct", key, true},
		{"wrong", "svk_test_abc123_00000000000000000000000000000000", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			match, err := VerifyKey(tt.input, hash)
			if err != nil {
				t.Fatalf("VerifyKey returned error: %v", err)
			}
			if match != tt.want {
				t.Errorf("VerifyKey() = %v, want %v", match, tt.want)
			}
		})
	}
}

func TestVerifyKey_InvalidHashFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		hash    string
		wantErr error
	}{
		{"empty", "", ErrInvalidHash},
		{"wrong format", "not-a-hash", ErrInvalidHash},
		{"wrong algorithm", "$bcrypt$v=19$m=65536,t=3,p=4$salt$hash", ErrInvalidHash},
		{"missing parts", "$argon2id$v=19$m=65536", ErrInvalidHash},
		{"bad params", "$argon2id$v=19$m=x,t=3,p=4$c2FsdA$aGFzaA", ErrInvalidHash},
		{"wrong version", "$argon2id$v=18$m=65536,t=3,p=4$c29tZXNhbHRoZXJl$c29tZWhhc2hoZXJl", ErrIncompatibleVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			match, err := VerifyKey("key", tt.hash)
			if err != tt.wantErr {
				t.Errorf("VerifyKey error = %v, want %v", err, tt.wantErr)
			}
			if match {
				t.Error("Should not match")
			}
		})
	}
}

func TestQuickHash(t *testing.T) {
	t.Parallel()

	a := QuickHash("input-one")
	if a != QuickHash("input-one") {
		t.Error("Same input should produce same hash")
	}
	if a == QuickHash("input-two") {
		t.Error("Different input should produce different hash")
	}
	for _, in := range []string{"", "abc", strings.Repeat("x", 1000)} {
		if got := len(QuickHash(in)); got != 32 {
			t.Errorf("QuickHash(%q) length = %d, want 32", in, got)
		}
	}
}
