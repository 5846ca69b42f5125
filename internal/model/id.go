package model

import (
	"crypto/rand"
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewRunID returns a lowercase ULID identifying one execution attempt.
// It names the container, the scratch subtree, and the journal row for
// that attempt, so retries of the same task never collide.
func NewRunID() string {
	return strings.ToLower(ulid.MustNew(ulid.Now(), rand.Reader).String())
}
