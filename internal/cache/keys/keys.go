// Package keys builds the storage identifiers for cached grid cell payloads.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-uuid"
)

// CellKey identifies the payload of one generation of a grid cell written
// under epoch. Generations restart with every cache instance, so the epoch
// keeps a new instance from reading payloads an earlier one left in
// persistent storage. The trailing hash lets storage backends shard or name
// files without parsing the rest of the key.
func CellKey(layer, epoch string, row, col int, gen uint64) string {
	base := fmt.Sprintf("%se%s:%d:%d:g%d", Prefix(layer), epoch, row, col, gen)
	return fmt.Sprintf("%s:h=%016x", base, xxhash.Sum64String(base))
}

// NewEpoch returns a fresh random epoch for CellKey.
func NewEpoch() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		// crypto/rand failing leaves no sane fallback
		panic(fmt.Sprintf("keys: generate epoch: %v", err))
	}
	return strings.ReplaceAll(id, "-", "")
}

// Prefix is the namespace shared by every cell key of a layer.
func Prefix(layer string) string {
	return "cell:" + sanitizeLayer(strings.TrimSpace(layer)) + ":"
}

// Hash returns the 64-bit hash used to spread keys across files and shards.
func Hash(key string) uint64 {
	return xxhash.Sum64String(key)
}

func sanitizeLayer(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == ':' || r == '_' || r == '-':
			out = r
		default:
			// Any other rune (including non-ASCII) becomes '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
