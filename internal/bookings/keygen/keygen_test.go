package keygen

import (
	"testing"

	"github.com/google/uuid"
)

func TestUUIDGenerator_Format(t *testing.T) {
	key, err := NewUUIDGenerator().NewKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(key) != 36 {
		t.Errorf("expected canonical 36-char key, got %q", key)
	}
	id, err := uuid.Parse(key)
	if err != nil {
		t.Fatalf("key is not a UUID: %v", err)
	}
	if id.Version() != 4 || id.Variant() != uuid.RFC4122 {
		t.Errorf("expected RFC 4122 version 4, got version %d variant %s", id.Version(), id.Variant())
	}
}

func TestUUIDGenerator_NoDuplicates(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 1e6 key generation in short mode")
	}

	const n = 1_000_000
	gen := NewUUIDGenerator()
	seen := make(map[string]struct{}, n)

	for i := 0; i < n; i++ {
		key, err := gen.NewKey()
		if err != nil {
			t.Fatalf("NewKey() failed at %d: %v", i, err)
		}
		if _, dup := seen[key]; dup {
			t.Fatalf("duplicate key %q after %d calls", key, i)
		}
		seen[key] = struct{}{}
	}
}

func TestValid(t *testing.T) {
	key, _ := NewUUIDGenerator().NewKey()

	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"issued key", key, true},
		{"empty", "", false},
		{"garbage", "key-A", false},
		{"version 1 uuid", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", false},
		{"braced", "{" + key + "}", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Valid(tt.key); got != tt.want {
				t.Errorf("Valid(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}
