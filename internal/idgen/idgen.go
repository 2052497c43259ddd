// Package idgen generates the short, URL-safe identifiers the engine hands
// out for message ids and lock (fencing) tokens (spec §4.2). No third-party
// short-id generator appears anywhere in the retrieval pack, so this is
// built on crypto/rand directly rather than reaching for an unrelated
// library — see DESIGN.md for the full justification.
package idgen

import (
	"crypto/rand"
	"fmt"
)

// alphabet is URL-safe and avoids visually ambiguous characters.
const alphabet = "0123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// MessageIDLength is the default length of generated message ids (spec: ~10 chars).
const MessageIDLength = 10

// LockTokenLength is the default length of generated lock tokens (spec: 10+ chars).
const LockTokenLength = 16

// New returns a random URL-safe string of length n built from alphabet.
// Collision probability is negligible at single-database scale: with a
// 59-character alphabet, a 10-character id has ~59 bits of entropy.
func New(n int) string {
	b := make([]byte, n)
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on a real OS never fails in practice; if it does,
		// the process environment is broken beyond what a fallback could fix.
		panic(fmt.Sprintf("idgen: crypto/rand unavailable: %v", err))
	}
	for i, c := range buf {
		b[i] = alphabet[int(c)%len(alphabet)]
	}
	return string(b)
}

// MessageID generates a new message id.
func MessageID() string { return New(MessageIDLength) }

// LockToken generates a new fencing token. Called on every claim; two
// distinct claims of the same row produce distinct tokens with overwhelming
// probability.
func LockToken() string { return New(LockTokenLength) }
