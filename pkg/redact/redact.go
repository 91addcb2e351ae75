package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

// Scrubbing runs before any log line or audit body leaves the process. The
// data domain is financial PII, so unrecognized text is scrubbed on pattern
// match rather than field name.
var (
	emailRe  = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	ssnRe    = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	cardRe   = regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`)
	bearerRe = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`)
)

// Scrub replaces emails, SSNs, card numbers, and bearer credentials with
// fixed placeholders.
func Scrub(s string) string {
	if s == "" {
		return s
	}
	s = bearerRe.ReplaceAllString(s, "Bearer [REDACTED]")
	s = emailRe.ReplaceAllString(s, "[EMAIL]")
	s = ssnRe.ReplaceAllString(s, "[SSN]")
	s = cardRe.ReplaceAllString(s, "[CARD]")
	return s
}

// ScrubBytes is Scrub over a raw body.
func ScrubBytes(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	return []byte(Scrub(string(b)))
}

// HashActor produces a salted one-way identifier for audit rows. Actor ids
// never land in storage in the clear.
func HashActor(id string, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write([]byte(id))
	return hex.EncodeToString(h.Sum(nil))
}
