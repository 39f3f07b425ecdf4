// Package fingerprint derives deterministic transaction ids from the fields a
// source declares unique.
package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// VerbatimField is hashed exactly as given; every other field is normalized.
const VerbatimField = "description"

// Fingerprint hashes the listed keys of raw merged with processed (processed
// wins). Keys missing from both records are skipped. Values other than
// description keep only letters, digits, commas and periods so that re-exports
// differing in spacing or currency symbols hash the same.
func Fingerprint(raw, processed map[string]string, keys []string) string {
	var b strings.Builder
	for _, key := range keys {
		val, ok := processed[key]
		if !ok {
			val, ok = raw[key]
		}
		if !ok {
			continue
		}
		if key != VerbatimField {
			val = normalize(val)
		}
		b.WriteString(val)
		b.WriteByte(';')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%x", sum[:])
}

func normalize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == ',':
			return r
		}
		return -1
	}, s)
}
