package ledger

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// ErrIdempotencyKeyInvalid is returned for keys that are not a canonical UUIDv4.
var ErrIdempotencyKeyInvalid = errors.New("idempotency key must be a UUIDv4")

// ValidateIdempotencyKey accepts only the 36-char hyphenated form of a random
// (version 4, RFC 4122 variant) UUID. Keys are compared as stored, so the
// canonical lowercase form is required.
func ValidateIdempotencyKey(key string) error {
	if len(key) != 36 || key != strings.ToLower(key) {
		return ErrIdempotencyKeyInvalid
	}
	id, err := uuid.Parse(key)
	if err != nil {
		return ErrIdempotencyKeyInvalid
	}
	if id.Version() != 4 || id.Variant() != uuid.RFC4122 {
		return ErrIdempotencyKeyInvalid
	}
	return nil
}
