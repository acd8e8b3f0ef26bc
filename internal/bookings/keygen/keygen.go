package keygen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator issues idempotency keys.
type Generator interface {
	NewKey() (string, error)
}

// UUIDGenerator returns random (version 4) UUIDs in canonical form, drawn
// from crypto/rand.
type UUIDGenerator struct{}

func NewUUIDGenerator() UUIDGenerator {
	return UUIDGenerator{}
}

func (UUIDGenerator) NewKey() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate idempotency key: %w", err)
	}
	return id.String(), nil
}

// Valid reports whether key looks like a key this package issues.
func Valid(key string) bool {
	id, err := uuid.Parse(key)
	return err == nil && len(key) == 36 && id.Version() == 4
}
