// Package ids generates record identifiers from an explicit entropy source,
// so callers that need deterministic ids (tests, replay) can supply their own
// reader instead of relying on package-global randomness.
package ids

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// New returns a random UUIDv4 string drawn from r.
func New(r io.Reader) (string, error) {
	id, err := uuid.NewRandomFromReader(r)
	if err != nil {
		return "", fmt.Errorf("generating id: %w", err)
	}
	return id.String(), nil
}

// MustNew returns a random UUIDv4 string from crypto/rand and panics on
// failure. Entropy exhaustion on a healthy system is not a recoverable
// condition for request handlers.
func MustNew() string {
	id, err := New(rand.Reader)
	if err != nil {
		panic(err)
	}
	return id
}
