// Package similarity maps failure payloads to stable signatures and looks up
// previously recorded resolutions for them. Lookups are best-effort: callers
// get an empty result on any failure, never an error.
package similarity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/remedyhq/remedy/internal/models"
)

var (
	hexAddrRe    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	numberRe     = regexp.MustCompile(`\d+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Signature hashes a failure payload into a stable hex digest. Volatile
// tokens (numbers, hex addresses, whitespace runs) are normalized away first
// so that re-runs of the same underlying failure hash identically even when
// line numbers, durations, or pointers differ.
func Signature(kind models.SessionKind, payload []byte) string {
	text := flattenPayload(payload)
	text = strings.ToLower(text)
	text = hexAddrRe.ReplaceAllString(text, "@")
	text = numberRe.ReplaceAllString(text, "#")
	text = whitespaceRe.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	sum := sha256.Sum256([]byte(string(kind) + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// flattenPayload renders a JSON payload as "key=value" pairs in key order so
// the signature does not depend on map iteration or field ordering. Non-JSON
// payloads are hashed verbatim.
func flattenPayload(payload []byte) string {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return string(payload)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		switch v := m[k].(type) {
		case string:
			b.WriteString(v)
		default:
			raw, _ := json.Marshal(v)
			b.Write(raw)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
