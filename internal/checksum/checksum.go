// Package checksum implements the gateway's CheckMacValue integrity signature.
//
// Outbound requests and inbound callbacks are canonicalised by the same routine.
// The only difference between the two call sites is whether empty values take
// part in the signature: outbound signing drops them, inbound verification keeps them.
package checksum

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strings"
)

// Field is the parameter carrying the signature in both directions.
const Field = "CheckMacValue"

// ErrMissingSecret is returned when the engine is built without its hash key or iv.
var ErrMissingSecret = errors.New("checksum: hash key and hash iv are required")

// reserved characters the gateway expects in literal form after encoding.
var reserved = strings.NewReplacer(
	"%21", "!",
	"%2a", "*",
	"%28", "(",
	"%29", ")",
	"%2d", "-",
	"%5f", "_",
	"%2e", ".",
)

// Engine signs and verifies parameter sets with a fixed pair of merchant secrets.
type Engine struct {
	key string
	iv  string
}

// New constructs an Engine bound to the merchant HashKey and HashIV.
func New(hashKey, hashIV string) (*Engine, error) {
	if strings.TrimSpace(hashKey) == "" || strings.TrimSpace(hashIV) == "" {
		return nil, ErrMissingSecret
	}
	return &Engine{key: hashKey, iv: hashIV}, nil
}

// Sign computes the signature for an outbound request. Empty values are ignored.
func (e *Engine) Sign(params map[string]string) string {
	return digest(e.Canonicalize(params, true))
}

// Verify recomputes the signature of an inbound payload, keeping empty values,
// and reports whether it matches the supplied CheckMacValue byte for byte.
func (e *Engine) Verify(params map[string]string) bool {
	provided, ok := params[Field]
	if !ok || provided == "" {
		return false
	}
	expected := digest(e.Canonicalize(params, false))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

// Canonicalize renders the string that is hashed: sorted key=value pairs wrapped
// in the merchant secrets, form-encoded, lowercased and with the reserved
// characters restored.
func (e *Engine) Canonicalize(params map[string]string, dropEmpty bool) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == Field {
			continue
		}
		if dropEmpty && v == "" {
			continue
		}
		keys = append(keys, k)
	}
	// byte-wise ordering, not locale aware
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("HashKey=")
	b.WriteString(e.key)
	for _, k := range keys {
		b.WriteByte('&')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	b.WriteString("&HashIV=")
	b.WriteString(e.iv)

	encoded := strings.ToLower(formEncode(b.String()))
	return reserved.Replace(encoded)
}

// formEncode applies application/x-www-form-urlencoded escaping. The gateway's
// reference encoder also escapes '~', which url.QueryEscape leaves untouched.
func formEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "~", "%7E")
}

func digest(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
