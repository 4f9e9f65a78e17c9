// Package idgen generates hash-based record ids. Ids are hashed rather than
// sequential so that concurrent writers never race over a counter: New mixes
// a random nonce and the time into the hash, while Deterministic hashes the
// content alone.
package idgen

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// base36Alphabet is the character set for base36 encoding (0-9, a-z).
const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Default id length after the prefix. 8 base36 chars ≈ 41 bits, plenty for a
// single-project store.
const defaultLength = 8

// Record id prefixes.
const (
	PrefixObservation = "obs"
	PrefixSession     = "ses"
	PrefixJob         = "job"
	PrefixSummary     = "sum"
	PrefixEntity      = "ent"
	PrefixRelation    = "rel"
)

// EncodeBase36 converts a byte slice to a base36 string of the given length.
func EncodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)

	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}

	var result strings.Builder
	for i := len(chars) - 1; i >= 0; i-- {
		result.WriteByte(chars[i])
	}

	str := result.String()
	if len(str) < length {
		str = strings.Repeat("0", length-len(str)) + str
	}
	if len(str) > length {
		str = str[len(str)-length:]
	}
	return str
}

// New creates a hash-based id from the given prefix and content parts. A
// random nonce is mixed in so identical content never collides.
func New(prefix string, parts ...string) string {
	nonce := make([]byte, 8)
	_, _ = rand.Read(nonce)
	content := fmt.Sprintf("%s|%x|%d", strings.Join(parts, "|"), nonce, time.Now().UnixNano())
	hash := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%s-%s", prefix, EncodeBase36(hash[:6], defaultLength))
}

// Deterministic creates a stable id from content alone — the same inputs
// always produce the same id. Used for entities (name, kind) and session
// summaries (session id), whose natural keys map to one id.
func Deterministic(prefix string, parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return fmt.Sprintf("%s-%s", prefix, EncodeBase36(hash[:6], defaultLength))
}
