package auth

import (
	"errors"
	"net/url"
	"strings"
)

// Reason is the stable code reported to callers for a rejected credential.
type Reason string

const (
	ReasonNoCredential   Reason = "NoCredential"
	ReasonBadSignature   Reason = "BadSignature"
	ReasonExpired        Reason = "Expired"
	ReasonIssuerMismatch Reason = "IssuerMismatch"
	ReasonUnknownKey     Reason = "UnknownKey"
)

// Error is a rejected credential. Detail never contains the token or a full
// issuer value.
type Error struct {
	Reason Reason
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return "auth: " + string(e.Reason) + ": " + e.Detail
	}
	return "auth: " + string(e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf reports the rejection reason if err is an *Error.
func ReasonOf(err error) (Reason, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Reason, true
	}
	return "", false
}

// maskHost keeps the first and last two characters of an issuer's host.
func maskHost(issuer string) string {
	host := issuer
	if u, err := url.Parse(issuer); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	r := []rune(strings.TrimSpace(host))
	if len(r) <= 4 {
		return "…"
	}
	return string(r[:2]) + "…" + string(r[len(r)-2:])
}
