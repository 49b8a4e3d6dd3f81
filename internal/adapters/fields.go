// Package adapters converts raw stage payloads into fully-defaulted snapshot
// types. Every function here is total: missing or wrong-typed fields fall back
// to the placeholders below instead of failing.
package adapters

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Placeholders used when the backend omits a field
const (
	PlaceholderCompanyName  = "Unknown company"
	PlaceholderTargetMarket = "Target market not specified."
	PlaceholderPeerName     = "Unnamed competitor"
	PlaceholderPeerDesc     = "No description available."
	PlaceholderPeerSource   = "analysis"
	PlaceholderAudience     = "Audience not specified."
	PlaceholderChangeType   = "update"
	PlaceholderContent      = "No details provided."
	PlaceholderWhyMatters   = "Impact assessment pending."
	PlaceholderSuggestions  = "No suggested response yet."

	// Mid-range sentinels: an omitted score must not read as "no risk"
	DefaultConfidence  = 0.5
	DefaultThreatLevel = 5.0
	MaxThreatLevel     = 10.0
)

// overviewPlaceholder is the description used when a profile has none
func overviewPlaceholder(name string) string {
	return fmt.Sprintf("%s overview pending.", name)
}

// text returns the first non-blank string value among keys
func text(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

// textOr is text with a fallback
func textOr(m map[string]any, fallback string, keys ...string) string {
	if s := text(m, keys...); s != "" {
		return s
	}
	return fallback
}

// ident is like text but also accepts numeric identifiers
func ident(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if id := Identifier(m[k]); id != "" {
			return id
		}
	}
	return ""
}

// Identifier renders a string or numeric identifier, or "" for anything else
func Identifier(v any) string {
	switch v := v.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	case json.Number:
		return v.String()
	case int:
		return strconv.Itoa(v)
	}
	return ""
}

// number returns the first numeric (or numeric string) value among keys
func number(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		var f float64
		switch v := m[k].(type) {
		case float64:
			f = v
		case int:
			f = float64(v)
		case json.Number:
			parsed, err := v.Float64()
			if err != nil {
				continue
			}
			f = parsed
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				continue
			}
			f = parsed
		default:
			continue
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		return f, true
	}
	return 0, false
}

// stringList returns the string items of the first list-valued key
func stringList(m map[string]any, keys ...string) ([]string, bool) {
	for _, k := range keys {
		raw, ok := m[k].([]any)
		if !ok {
			if typed, ok := m[k].([]string); ok {
				raw = make([]any, len(typed))
				for i, s := range typed {
					raw[i] = s
				}
			} else {
				continue
			}
		}
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			switch v := item.(type) {
			case string:
				if v = strings.TrimSpace(v); v != "" {
					out = append(out, v)
				}
			case float64:
				out = append(out, strconv.FormatFloat(v, 'f', -1, 64))
			}
		}
		return out, true
	}
	return nil, false
}

// objects returns the object items of the first list-valued key
func objects(m map[string]any, keys ...string) []any {
	for _, k := range keys {
		if raw, ok := m[k].([]any); ok {
			return raw
		}
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// instant parses an ISO-8601 value. Timestamps without a zone are read as UTC,
// which is how the backend serializes them.
func instant(m map[string]any, keys ...string) *time.Time {
	return Timestamp(text(m, keys...))
}

// Timestamp parses one ISO-8601 string, returning nil when it is blank or
// unparseable
func Timestamp(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// dedupe drops repeated and blank entries, keeping first-seen order
func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// fingerprint derives a short stable identifier from content
func fingerprint(prefix string, parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return prefix + "-" + hex.EncodeToString(sum[:6])
}

// slug lowercases and collapses anything that is not a letter or digit
func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
