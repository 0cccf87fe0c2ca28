// Package extract pulls the sender phone, message text and request id out of
// WhatsApp gateway payloads whose shape differs between gateway versions.
// Each field has an ordered list of extractors; the first match wins, so a new
// upstream shape is one more entry in a list.
package extract

import (
	"strings"

	"github.com/you/pix-relay/services/relay-service/internal/phone"
)

// Extractor returns a value found in body, or false.
type Extractor func(body map[string]any) (string, bool)

// Path walks body through map keys (string) and slice indexes (int) and
// returns the string found at the end.
func Path(steps ...any) func(body map[string]any) (string, bool) {
	return func(body map[string]any) (string, bool) {
		var cur any = body
		for _, step := range steps {
			switch s := step.(type) {
			case string:
				m, ok := cur.(map[string]any)
				if !ok {
					return "", false
				}
				cur = m[s]
			case int:
				arr, ok := cur.([]any)
				if !ok || s < 0 || s >= len(arr) {
					return "", false
				}
				cur = arr[s]
			default:
				return "", false
			}
		}
		str, ok := cur.(string)
		return str, ok
	}
}

// JID accepts only values shaped like "<digits>@<network>" and strips the suffix.
func JID(p func(map[string]any) (string, bool)) Extractor {
	return func(body map[string]any) (string, bool) {
		v, ok := p(body)
		if !ok || !strings.Contains(v, "@") {
			return "", false
		}
		if out := phone.StripJID(v); out != "" {
			return out, true
		}
		return "", false
	}
}

// Text accepts any non-blank string and trims it.
func Text(p func(map[string]any) (string, bool)) Extractor {
	return func(body map[string]any) (string, bool) {
		v, ok := p(body)
		if !ok {
			return "", false
		}
		v = strings.TrimSpace(v)
		return v, v != ""
	}
}

// Plain accepts any non-empty string as is.
func Plain(p func(map[string]any) (string, bool)) Extractor {
	return func(body map[string]any) (string, bool) {
		v, ok := p(body)
		return v, ok && v != ""
	}
}

var PhoneExtractors = []Extractor{
	JID(Path("key", "remoteJid")),
	JID(Path("data", "key", "remoteJid")),
	JID(Path("data", "messages", 0, "key", "remoteJid")),
	JID(Path("instance", "remoteJid")),
	JID(Path("phone")),
	JID(Path("from")),
	JID(Path("number")),
}

var MessageExtractors = []Extractor{
	Text(Path("message", "conversation")),
	Text(Path("data", "message", "conversation")),
	Text(Path("data", "messages", 0, "message", "conversation")),
	Text(Path("data", "messages", 0, "message", "extendedTextMessage", "text")),
	Text(Path("text")),
	Text(Path("body")),
	Text(Path("content")),
}

var RequestIDExtractors = []Extractor{
	Plain(Path("key", "id")),
	Plain(Path("data", "key", "id")),
}

// First runs extractors in order and returns the first match.
func First(body map[string]any, extractors []Extractor) (string, bool) {
	for _, ex := range extractors {
		if v, ok := ex(body); ok {
			return v, true
		}
	}
	return "", false
}

// requestIDFallbackLen bounds the raw-body prefix used when no id field exists.
const requestIDFallbackLen = 100

// RequestID identifies one gateway delivery for duplicate suppression.
func RequestID(body map[string]any, raw []byte) string {
	if id, ok := First(body, RequestIDExtractors); ok {
		return id
	}
	if len(raw) > requestIDFallbackLen {
		raw = raw[:requestIDFallbackLen]
	}
	return string(raw)
}
