package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Errors returned by ExtractJSON and Decode.
var (
	ErrNoJSON    = errors.New("no JSON object found")
	ErrNotObject = errors.New("JSON value is not an object")
)

var (
	fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

	trailingComma       = regexp.MustCompile(`,\s*([}\]])`)
	singleQuotedKey     = regexp.MustCompile(`([{,]\s*)'([\w\- ]+)'(\s*:)`)
	singleQuotedValue   = regexp.MustCompile(`(:\s*)'((?:[^'\\]|\\.)*)'(\s*[,}\]])`)
	missingCommaString  = regexp.MustCompile(`(")\s*\n\s*("[^"\n]+"\s*:)`)
	missingCommaLiteral = regexp.MustCompile(`(\d|true|false|null)\s*\n\s*("[^"\n]+"\s*:)`)
	missingCommaClose   = regexp.MustCompile(`([}\]])(\s*)("[^"\n]+"\s*:|\{)`)
)

// ExtractJSON returns the first JSON object in text. Markdown fences and
// surrounding prose are ignored, and common LLM syntax slips are repaired.
// The returned string is always valid JSON.
func ExtractJSON(text string) (string, error) {
	for _, candidate := range candidates(text) {
		if trimmed := strings.TrimSpace(candidate); strings.HasPrefix(trimmed, "[") {
			if arr, ok := balanced(trimmed); ok && json.Valid([]byte(arr)) {
				return "", ErrNotObject
			}
		}
		start := strings.IndexByte(candidate, '{')
		for start >= 0 {
			segment, ok := balanced(candidate[start:])
			if ok {
				if json.Valid([]byte(segment)) {
					return segment, nil
				}
				if fixed := repairJSON(segment); json.Valid([]byte(fixed)) {
					return fixed, nil
				}
			}
			next := strings.IndexByte(candidate[start+1:], '{')
			if next < 0 {
				break
			}
			start += next + 1
		}
	}
	if strings.HasPrefix(strings.TrimSpace(text), "[") {
		return "", ErrNotObject
	}
	return "", ErrNoJSON
}

// candidates yields fenced blocks first, then the whole text.
func candidates(text string) []string {
	var out []string
	for _, m := range fencePattern.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	return append(out, text)
}

// balanced returns the prefix of s (which starts with '{' or '[') up to
// the matching close, honouring string literals in either quote style.
func balanced(s string) (string, bool) {
	depth := 0
	var quote byte
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			// apostrophes inside bare prose must not open a string
			if c == '\'' && i > 0 && isWordByte(s[i-1]) {
				continue
			}
			quote = c
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

func isWordByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// repairJSON fixes trailing commas, single-quoted keys and values, and
// commas missing between members.
func repairJSON(s string) string {
	s = escapeControlChars(s)
	s = singleQuotedKey.ReplaceAllString(s, `$1"$2"$3`)
	s = singleQuotedValue.ReplaceAllStringFunc(s, func(m string) string {
		p := singleQuotedValue.FindStringSubmatch(m)
		v := strings.ReplaceAll(p[2], `\'`, `'`)
		v = strings.ReplaceAll(v, `"`, `\"`)
		return p[1] + `"` + v + `"` + p[3]
	})
	s = missingCommaString.ReplaceAllString(s, `$1,$2`)
	s = missingCommaLiteral.ReplaceAllString(s, `$1,$2`)
	s = missingCommaClose.ReplaceAllString(s, `$1,$2$3`)
	s = trailingComma.ReplaceAllString(s, `$1`)
	return s
}

// escapeControlChars escapes raw newlines and tabs inside string literals.
func escapeControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString && c < 0x20:
			switch c {
			case '\n':
				b.WriteString(`\n`)
			case '\t':
				b.WriteString(`\t`)
			case '\r':
				b.WriteString(`\r`)
			default:
				fmt.Fprintf(&b, `\u%04x`, c)
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Decode extracts, decodes and validates a T from text. T must be a struct
// (or map) that decodes from a JSON object. Unknown fields are ignored.
func Decode[T any](text string) (T, error) {
	var v T
	raw, err := ExtractJSON(text)
	if err != nil {
		return v, err
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("decode JSON: %w", err)
	}
	if err := validateValue(v); err != nil {
		return v, err
	}
	return v, nil
}
