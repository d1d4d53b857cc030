// Package jsonrepair recovers a JSON object from loosely-formed model
// output. Parsing runs through an ordered chain of tolerant stages; each
// stage is attempted only after the previous one fails, and the last parse
// error propagates when every stage is exhausted.
package jsonrepair

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
)

var (
	codeFenceRE = regexp.MustCompile("(?i)^```(?:json)?\\s*|\\s*```$")
	commentRE   = regexp.MustCompile(`(?m)^\s*//.*$`)
	lineValueRE = regexp.MustCompile(`"line"\s*:\s*"`)
)

// Parse turns model output text into a JSON object. Stages, in order:
//  1. strip BOM, whitespace, wrapping code fences and // line comments
//  2. direct parse (top-level must be an object)
//  3. balance missing trailing closers and reparse
//  4. extract the first bracket-balanced object/array substring
//  5. balance the substring and reparse
//  6. repair unescaped interior quotes in "line" values, balance, reparse
func Parse(modelText string) (map[string]any, error) {
	s := StripWrappers(modelText)
	s = StripComments(s)

	obj, err := parseObject(s)
	if err == nil {
		return obj, nil
	}

	if balanced := Balance(s); balanced != s {
		if obj, err := parseObject(balanced); err == nil {
			return obj, nil
		}
	}

	sub, ok := FirstJSONSubstring(s)
	if !ok {
		// Nothing bracket-balanced: surface the natural parse error.
		return parseObject(s)
	}

	obj, subErr := parseObject(sub)
	if subErr == nil {
		return obj, nil
	}

	if balanced := Balance(sub); balanced != sub {
		if obj, err := parseObject(balanced); err == nil {
			return obj, nil
		}
	}

	repaired, repairs := RepairLineQuotes(sub)
	if repairs > 0 {
		return parseObject(Balance(repaired))
	}

	return nil, subErr
}

// StripWrappers removes a leading byte-order mark, surrounding whitespace
// and wrapping code-fence markers.
func StripWrappers(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimSpace(codeFenceRE.ReplaceAllString(s, ""))
	}
	return s
}

// StripComments removes // line comments some models hallucinate.
func StripComments(s string) string {
	return commentRE.ReplaceAllString(s, "")
}

// parseObject parses s as JSON and requires an object at the top level.
// Numbers decode as json.Number so integer group ids survive exactly.
func parseObject(s string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// Trailing non-whitespace means this was not a clean JSON document.
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing content after JSON value")
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("top-level JSON is not an object")
	}
	return obj, nil
}

// Balance appends missing closing delimiters when text appears truncated at
// the end. It tracks { } and [ ] nesting outside string literals; a text
// ending inside a string, or containing a mismatched closer, is returned
// unchanged.
func Balance(s string) string {
	var stack []byte
	inStr := false
	esc := false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case ch == '\\':
				esc = true
			case ch == '"':
				inStr = false
			}
			continue
		}

		switch ch {
		case '"':
			inStr = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && ch == stack[len(stack)-1] {
				stack = stack[:len(stack)-1]
			} else {
				return s // mismatched closer, don't guess
			}
		}
	}

	if inStr || len(stack) == 0 {
		return s
	}

	var b strings.Builder
	b.WriteString(s)
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

// FirstJSONSubstring extracts the first plausible JSON object or array by
// depth-tracked bracket matching that respects string literals and escapes.
func FirstJSONSubstring(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}

	start := -1
	var open, closeCh byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			start = i
			open = s[i]
			if open == '{' {
				closeCh = '}'
			} else {
				closeCh = ']'
			}
			break
		}
	}
	if start < 0 {
		return "", false
	}

	depth := 0
	inStr := false
	esc := false
	for j := start; j < len(s); j++ {
		ch := s[j]
		if inStr {
			switch {
			case esc:
				esc = false
			case ch == '\\':
				esc = true
			case ch == '"':
				inStr = false
			}
			continue
		}

		switch ch {
		case '"':
			inStr = true
		case open:
			depth++
		case closeCh:
			depth--
			if depth == 0 {
				return s[start : j+1], true
			}
		}
	}

	return "", false
}

// isEscaped reports whether s[i] is preceded by an odd number of backslashes.
func isEscaped(s string, i int) bool {
	bs := 0
	for j := i - 1; j >= 0 && s[j] == '\\'; j-- {
		bs++
	}
	return bs%2 == 1
}

// RepairLineQuotes escapes unescaped quotes inside "line": "..." values.
// Walking forward from the opening quote, an unescaped quote terminates the
// value only when the next non-whitespace character is ',' or '}'; any other
// unescaped quote is escaped in place. Returns the repaired string and the
// number of repairs made.
func RepairLineQuotes(s string) (string, int) {
	repairs := 0
	var out strings.Builder
	pos := 0

	for {
		loc := lineValueRE.FindStringIndex(s[pos:])
		if loc == nil {
			out.WriteString(s[pos:])
			break
		}

		start := pos + loc[0]
		end := pos + loc[1]
		out.WriteString(s[pos:start])
		out.WriteString(s[start:end]) // `"line": "` including the opening quote

		i := end
		terminated := false
		var buf strings.Builder

		for i < len(s) {
			ch := s[i]

			if ch == '"' && !isEscaped(s, i) {
				// Terminator or an interior quote that must be escaped.
				k := i + 1
				for k < len(s) && (s[k] == ' ' || s[k] == '\t' || s[k] == '\r' || s[k] == '\n') {
					k++
				}

				if k < len(s) && (s[k] == ',' || s[k] == '}') {
					out.WriteString(buf.String())
					out.WriteByte('"')
					i++
					terminated = true
					break
				}

				buf.WriteString(`\"`)
				repairs++
				i++
				continue
			}

			buf.WriteByte(ch)
			i++
		}

		if !terminated {
			// Ran off the end without a terminator; keep the remainder as-is.
			out.WriteString(buf.String())
			pos = i
			break
		}

		pos = i
	}

	return out.String(), repairs
}
