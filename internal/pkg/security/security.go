// Package security keeps credentials and untrusted text out of logs,
// audit records and outbound payloads.
package security

import (
	"net/http"
	"net/url"
	"strings"
	"unicode"
)

// RedactedValue replaces any value a reader is not cleared to see.
const RedactedValue = "[REDACTED]"

// defaultLogLength caps SanitizeForLog output.
const defaultLogLength = 200

// SanitizeForLog escapes line breaks and tabs, drops other control
// characters and truncates to 200 runes, so client supplied text cannot
// forge or flood log lines.
func SanitizeForLog(s string) string {
	return SanitizeForLogWithLength(s, defaultLogLength)
}

// SanitizeForLogWithLength is SanitizeForLog with a caller chosen cap.
// Truncated output ends in "...".
func SanitizeForLogWithLength(s string, maxLen int) string {
	var b strings.Builder
	n := 0
	for _, r := range s {
		if n >= maxLen {
			b.WriteString("...")
			break
		}
		if esc := escapeControl(r); esc != "" {
			b.WriteString(esc)
			n += len(esc)
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

func escapeControl(r rune) string {
	switch r {
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	}
	return ""
}

// Excerpt renders the start of a raw inbound message for a log line.
func Excerpt(data []byte) string {
	const excerptLength = 64
	if len(data) > 4*excerptLength {
		data = data[:4*excerptLength]
	}
	return SanitizeForLogWithLength(string(data), excerptLength)
}

// credentialHeaders are always masked, whatever IsSensitiveKey says.
var credentialHeaders = []string{
	"Authorization",
	"Proxy-Authorization",
	"Cookie",
	"Set-Cookie",
	"Sec-Websocket-Key",
}

// sensitiveFragments mark a key name as holding a credential.
var sensitiveFragments = []string{"password", "secret", "token", "key", "credential", "auth"}

// IsSensitiveKey reports whether a header, query parameter or field name
// looks like it holds a credential. Matching is case insensitive.
func IsSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, frag := range sensitiveFragments {
		if strings.Contains(key, frag) {
			return true
		}
	}
	return false
}

// MaskSensitiveHeaders returns a copy of h with credential values replaced.
func MaskSensitiveHeaders(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := h.Clone()
	for name := range out {
		if IsSensitiveKey(name) {
			out[name] = []string{RedactedValue}
		}
	}
	for _, name := range credentialHeaders {
		if _, ok := out[name]; ok {
			out[name] = []string{RedactedValue}
		}
	}
	return out
}

// MaskSensitiveMap returns a copy of m with credential-looking keys
// replaced. Nested values are not inspected.
func MaskSensitiveMap[V any](m map[string]V, redacted V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			v = redacted
		}
		out[k] = v
	}
	return out
}

// MaskURL renders u with credential-looking query parameters masked.
// WebSocket clients put their bearer token in the query, so upgrade URLs
// go through this before they are logged.
func MaskURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	if u.RawQuery == "" {
		return u.String()
	}
	q := u.Query()
	for k := range q {
		if IsSensitiveKey(k) {
			q[k] = []string{RedactedValue}
		}
	}
	masked := *u
	masked.RawQuery = q.Encode()
	return masked.String()
}
