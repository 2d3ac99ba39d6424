package llm

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var (
	// fencePattern matches the body of a ``` or ```json fenced block.
	fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ErrNoJSON is returned when a reply contains no JSON value.
var ErrNoJSON = errors.New("no JSON value in response")

// ExtractJSON returns the first balanced JSON object or array in a model
// reply. Fenced blocks are preferred over bare text. Line comments and
// trailing commas, which models often emit, are removed.
func ExtractJSON(content string) string {
	candidates := make([]string, 0, 2)
	if m := fencePattern.FindStringSubmatch(content); len(m) > 1 {
		candidates = append(candidates, m[1])
	}
	candidates = append(candidates, content)

	for _, c := range candidates {
		if raw := balanced(c); raw != "" {
			return cleanJSON(raw)
		}
	}
	return ""
}

// DecodeJSON extracts the JSON value from content and unmarshals it into v.
func DecodeJSON(content string, v any) error {
	raw := ExtractJSON(content)
	if raw == "" {
		return ErrNoJSON
	}
	return json.Unmarshal([]byte(raw), v)
}

// balanced returns the first {...} or [...] span whose brackets balance,
// ignoring brackets inside strings.
func balanced(s string) string {
	start := strings.IndexAny(s, "{[")
	for start >= 0 {
		if end := closing(s, start); end > start {
			return s[start : end+1]
		}
		next := strings.IndexAny(s[start+1:], "{[")
		if next < 0 {
			return ""
		}
		start += next + 1
	}
	return ""
}

func closing(s string, start int) int {
	var stack []byte
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != ch {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i
			}
		}
	}
	return -1
}

func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return trailingCommaPattern.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

// stripLineComment drops a // comment that starts outside a string literal.
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}
	inString, escaped := false, false
	for i := 0; i < len(line)-1; i++ {
		ch := line[i]
		switch {
		case escaped:
			escaped = false
		case inString && ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case !inString && ch == '/' && line[i+1] == '/':
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
