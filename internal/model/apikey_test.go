package model

import (
	"testing"
	"time"
)

func TestAPIKey_IsRevoked(t *testing.T) {
	now := time.Now()

	testCases := []struct {
		name string
		key  APIKey
		want bool
	}{
		{name: "active", key: APIKey{}, want: false},
		{name: "revoked", key: APIKey{RevokedAt: &now}, want: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.key.IsRevoked(); got != tc.want {
				t.Errorf("IsRevoked() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBundle_ToInfo(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	ts := time.Date(2024, 5, 1, 15, 0, 0, 123000, loc)
	b := Bundle{
		OwnerID:      "u1",
		Emulator:     "mesen",
		ObjectKey:    "u1/mesen/01HX",
		Size:         42,
		Checksum:     "abc",
		LastModified: ts,
	}

	info := b.ToInfo()
	if info.Emulator != "mesen" || info.Size != 42 || info.Checksum != "abc" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.LastModified.Location() != time.UTC {
		t.Errorf("LastModified location = %v, want UTC", info.LastModified.Location())
	}
	if !info.LastModified.Equal(ts) {
		t.Errorf("LastModified = %v, want %v", info.LastModified, ts)
	}
}
