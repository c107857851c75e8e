// Package salvage extracts structured JSON from LLM text output that may
// be wrapped in prose, fenced in markdown, or slightly malformed.
package salvage

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// Extract tries four escalating strategies to parse T out of text: a
// direct parse, pulling the content out of a fenced code block, extracting
// the first balanced brace/bracket span, and finally applying forgiving
// fixups (trailing commas, single-quoted strings) to whichever candidate
// span it found. Returns false if none of them produce valid JSON.
func Extract[T any](text string) (T, bool) {
	var zero T

	if v, ok := tryParse[T](strings.TrimSpace(text)); ok {
		return v, true
	}

	if m := fencedBlock.FindStringSubmatch(text); m != nil {
		if v, ok := tryParse[T](strings.TrimSpace(m[1])); ok {
			return v, true
		}
	}

	if span, ok := balancedSpan(text); ok {
		if v, ok := tryParse[T](span); ok {
			return v, true
		}
		if v, ok := tryParse[T](forgivingFixups(span)); ok {
			return v, true
		}
	}

	return zero, false
}

func tryParse[T any](candidate string) (T, bool) {
	var out T
	if candidate == "" {
		return out, false
	}
	if err := json.Unmarshal([]byte(candidate), &out); err != nil {
		return out, false
	}
	return out, true
}

// balancedSpan finds the first top-level balanced {...} or [...] span in
// text, respecting string escapes so braces inside string literals don't
// confuse the depth count.
func balancedSpan(text string) (string, bool) {
	start := -1
	var open, close byte
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			start = i
			if text[i] == '{' {
				open, close = '{', '}'
			} else {
				open, close = '[', ']'
			}
			break
		}
	}
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

// forgivingFixups applies conservative repairs for common LLM JSON mistakes:
// trailing commas before a closing brace/bracket, and single-quoted string
// literals when the candidate contains no double quotes at all (so we don't
// mangle legitimately quoted content).
func forgivingFixups(candidate string) string {
	fixed := trailingComma.ReplaceAllString(candidate, "$1")
	if !strings.Contains(fixed, `"`) && strings.Contains(fixed, "'") {
		fixed = strings.ReplaceAll(fixed, "'", `"`)
	}
	return fixed
}
