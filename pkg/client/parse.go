package client

import (
	"encoding/json"
	"strings"

	"github.com/menta2k/production-vision/pkg/types"
)

type detectionReply struct {
	Objects []types.RawDetection `json:"objects"`
}

// ParseDetections extracts the object list from a model reply. Replies that
// carry no usable JSON yield an empty list: nothing was seen in the frame.
func ParseDetections(raw string) []types.RawDetection {
	raw = SanitizeModelJSON(raw)
	if !strings.HasPrefix(raw, "{") && !strings.HasPrefix(raw, "[") {
		return nil
	}

	var reply detectionReply
	if err := json.Unmarshal([]byte(raw), &reply); err == nil {
		return reply.Objects
	}
	// some models answer with a bare array
	var objects []types.RawDetection
	if err := json.Unmarshal([]byte(raw), &objects); err == nil {
		return objects
	}
	return nil
}

// SanitizeModelJSON removes code fences, comments, and trailing commas from JSON response.
// Text inside string literals is left alone.
func SanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = dropTrailingCommas(stripComments(raw))

	// Keep only the outermost {...} or [...]
	open, closing := "{", "}"
	if strings.HasPrefix(raw, "[") {
		open, closing = "[", "]"
	}
	if start := strings.Index(raw, open); start >= 0 {
		if end := strings.LastIndex(raw, closing); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}

// scanJSON calls outside for every byte that is not part of a string literal
// and copies string literals through unchanged. outside returns how many
// bytes it consumed and what to write in their place.
func scanJSON(s string, outside func(s string, i int) (int, string)) string {
	var b strings.Builder
	b.Grow(len(s))
	inString, escaped := false, false
	for i := 0; i < len(s); {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			i++
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			i++
			continue
		}
		n, out := outside(s, i)
		b.WriteString(out)
		i += n
	}
	return b.String()
}

func stripComments(s string) string {
	return scanJSON(s, func(s string, i int) (int, string) {
		rest := s[i:]
		switch {
		case strings.HasPrefix(rest, "//"):
			if j := strings.IndexByte(rest, '\n'); j >= 0 {
				return j, ""
			}
			return len(rest), ""
		case strings.HasPrefix(rest, "/*"):
			if j := strings.Index(rest[2:], "*/"); j >= 0 {
				return j + 4, ""
			}
			return len(rest), ""
		}
		return 1, rest[:1]
	})
}

func dropTrailingCommas(s string) string {
	return scanJSON(s, func(s string, i int) (int, string) {
		if s[i] == ',' {
			next := strings.TrimLeft(s[i+1:], " \t\r\n")
			if strings.HasPrefix(next, "}") || strings.HasPrefix(next, "]") {
				return 1, ""
			}
		}
		return 1, s[i : i+1]
	})
}
