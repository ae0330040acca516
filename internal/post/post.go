// Package post defines the announcement record extracted from the promo page
// and the content fingerprint used to deduplicate it.
package post

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Post is one promo announcement as seen on the page.
// EventAt is zero when no event time could be parsed from the text.
type Post struct {
	Title   string
	Body    string
	EventAt time.Time
}

// Normalize trims the text and collapses internal whitespace runs (including
// newlines) to single spaces. Fingerprinting and message formatting must use
// the same normalization, otherwise incidental markup changes on the page
// would look like new announcements.
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Fingerprint returns the SHA-256 hex digest of the normalized title and body.
// It is the sole dedup key for announcements: equal normalized input always
// produces an equal digest.
func Fingerprint(title, body string) string {
	h := sha256.New()
	h.Write([]byte(Normalize(title)))
	h.Write([]byte("\n"))
	h.Write([]byte(Normalize(body)))
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint returns the digest for this post's content.
func (p Post) Fingerprint() string {
	return Fingerprint(p.Title, p.Body)
}
