package target

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	thinkPattern = regexp.MustCompile(`(?s)<think(?:ing)?>.*?</think(?:ing)?>`)
	fencePattern = regexp.MustCompile("(?m)^[ \t]*(?:```|''')[A-Za-z]*[ \t]*$|(?:```|''')[ \t]*$")
)

// CleanResponse strips reasoning sections and markdown fences from a model
// answer and returns the first well-formed JSON object in it, or the cleaned
// text when there is none.
func CleanResponse(s string) string {
	cleaned := thinkPattern.ReplaceAllString(s, "")
	cleaned = strings.TrimSpace(fencePattern.ReplaceAllString(cleaned, ""))

	if obj, ok := firstJSONObject(cleaned); ok {
		return obj
	}
	return cleaned
}

// firstJSONObject scans s for the first balanced {...} substring that parses
// as JSON.
func firstJSONObject(s string) (string, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if candidate := matchBraces(s[start:]); candidate != "" && json.Valid([]byte(candidate)) {
			return candidate, true
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// matchBraces returns the prefix of s up to the brace closing s[0], skipping
// braces inside JSON strings. It returns "" when s is unbalanced.
func matchBraces(s string) string {
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
