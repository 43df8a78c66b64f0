// Package sanitize cleans grading commentary returned by the chat provider.
//
// The provider leaks internal bookkeeping objects (message types, plugin and
// tool calls, finish reasons) into answer text and sometimes repeats whole
// paragraphs. Text cleans those artifacts deterministically and is idempotent.
package sanitize

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// DedupMinLength is the length above which paragraphs are deduplicated.
	DedupMinLength = 300
	// DedupKeyLength is how many leading characters identify a paragraph.
	DedupKeyLength = 150
)

var markerKeys = []string{
	"msg_type",
	"from_module",
	"from_unit",
	"plugin_id",
	"plugin_name",
	"tool_name",
	"tool_calls",
	"api_name",
	"finish_reason",
}

var (
	markerSet = func() map[string]struct{} {
		m := make(map[string]struct{}, len(markerKeys))
		for _, k := range markerKeys {
			m[k] = struct{}{}
		}
		return m
	}()

	markerAlt = `"(?:` + strings.Join(markerKeys, "|") + `)"`

	// one or more closed residual fragments at a line start: `"from_unit":null}`
	residualClosed = regexp.MustCompile(`(?m)^(?:[ \t]*[{,]?[ \t]*` + markerAlt + `[ \t]*:[^}\n]*\}[ \t]*)+`)
	// residual fragment with no closing brace on its line
	residualLine = regexp.MustCompile(`(?m)^[ \t]*[{,]?[ \t]*` + markerAlt + `[ \t]*:[^\n]*(?:\n|\z)`)
	// metadata object cut off at the end of the text
	trailingTruncated = regexp.MustCompile(`[{,][ \t\n]*` + markerAlt + `[ \t]*:[^{}]*\z`)

	paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)
	manyNewlines   = regexp.MustCompile(`\n{4,}`)
)

// Text runs the full cleanup pipeline until the text stops changing.
// A pass only ever removes characters, so the loop terminates.
func Text(s string) string {
	for {
		next := pass(s)
		if next == s {
			return s
		}
		s = next
	}
}

func pass(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = StripProviderObjects(s)
	s = residualClosed.ReplaceAllString(s, "")
	s = residualLine.ReplaceAllString(s, "")
	s = trailingTruncated.ReplaceAllString(s, "")
	if utf8.RuneCountInString(s) > DedupMinLength {
		s = DedupParagraphs(s)
	}
	s = manyNewlines.ReplaceAllString(s, "\n\n\n")
	return strings.TrimSpace(s)
}

// StripProviderObjects removes balanced JSON objects whose top-level keys
// include a provider marker. Any other JSON object is copied through intact.
func StripProviderObjects(s string) string {
	if !strings.Contains(s, "{") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] != '{' {
			b.WriteByte(s[i])
			i++
			continue
		}
		end := matchBrace(s, i)
		if end < 0 {
			b.WriteByte(s[i])
			i++
			continue
		}
		fragment := s[i : end+1]
		keys, ok := objectKeys(fragment)
		switch {
		case !ok:
			b.WriteByte(s[i])
			i++
		case hasMarker(keys):
			i = end + 1
		default:
			b.WriteString(fragment)
			i = end + 1
		}
	}
	return b.String()
}

// matchBrace returns the index of the brace closing the one at start, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
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
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func objectKeys(fragment string) ([]string, bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal([]byte(fragment), &m); err != nil {
		return nil, false
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys, true
}

func hasMarker(keys []string) bool {
	for _, k := range keys {
		if _, ok := markerSet[k]; ok {
			return true
		}
	}
	return false
}

// DedupParagraphs drops paragraphs whose first DedupKeyLength characters match
// an earlier paragraph. First occurrences keep their order.
func DedupParagraphs(s string) string {
	parts := paragraphBreak.Split(s, -1)
	seen := make(map[string]struct{}, len(parts))
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		key := prefix(p, DedupKeyLength)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, p)
	}
	return strings.Join(kept, "\n\n")
}

func prefix(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
