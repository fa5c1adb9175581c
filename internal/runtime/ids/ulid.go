// Package ids generates message identifiers.
package ids

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewMessageID returns a ULID that sorts after every ID previously produced
// by this process.
func NewMessageID() string {
	return NewMessageIDAt(time.Now())
}

// NewMessageIDAt returns a ULID stamped with the supplied time.
func NewMessageIDAt(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

// Timestamp extracts the creation time encoded in a message ID.
func Timestamp(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse message id %q: %w", id, err)
	}
	return ulid.Time(parsed.Time()), nil
}
