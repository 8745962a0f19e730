// Package jsonutil extracts JSON values from freeform text produced by AI
// agent processes. Agent replies typically wrap structured output in markdown
// code fences, mix it with prose, or decorate it with ANSI escapes; the
// functions here recover every valid JSON object or array regardless.
package jsonutil

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// maxInputBytes is the maximum number of bytes we will process. Inputs larger
// than this limit are rejected to prevent memory exhaustion.
const maxInputBytes = 10 * 1024 * 1024 // 10 MB

// reANSI matches ANSI escape codes (CSI sequences) that AI CLIs may embed in
// their output. We strip these before attempting JSON extraction.
var reANSI = regexp.MustCompile(`\x1b\[[0-9;]*[mGKHF]`)

// reJSONFence matches a markdown code fence carrying a "json" language tag.
// The fenced content is captured in subgroup 1. The (?s) flag enables dot-all
// mode so .*? matches newlines; the non-greedy quantifier stops at the first
// closing fence, allowing multiple fences in the same text.
var reJSONFence = regexp.MustCompile("(?s)```json[ \\t]*\n(.*?)\n```")

// span records the byte range [start, end) of a fence match. Brace-matched
// candidates starting inside a processed fence are suppressed as duplicates.
type span struct{ start, end int }

// sanitize strips ANSI escape codes and a leading UTF-8 BOM, then enforces
// the input size cap.
func sanitize(text string) (string, error) {
	if len(text) > maxInputBytes {
		return "", fmt.Errorf("jsonutil: input exceeds maximum size of %d bytes", maxInputBytes)
	}
	text = strings.TrimPrefix(text, "\xef\xbb\xbf")
	text = reANSI.ReplaceAllString(text, "")
	return text, nil
}

// Extract returns the first valid JSON object or array found in text.
// Extraction strategies are tried in order of reliability: ```json code
// fences first, then top-level brace/bracket matching. An error is returned
// when no valid JSON is present or the input exceeds the size cap.
func Extract(text string) (json.RawMessage, error) {
	cleaned, err := sanitize(text)
	if err != nil {
		return nil, err
	}
	all := scan(cleaned)
	if len(all) == 0 {
		return nil, fmt.Errorf("jsonutil: no valid JSON found in text")
	}
	return all[0], nil
}

// ExtractFenced returns every valid JSON value inside ```json code fences, in
// order of appearance. Fences whose content fails json.Valid are skipped.
func ExtractFenced(text string) []json.RawMessage {
	cleaned, err := sanitize(text)
	if err != nil {
		return nil
	}
	fenced, _ := scanFences(cleaned)
	return fenced
}

// ExtractAll returns all valid JSON objects and arrays found in text, in
// order of appearance. Fenced results come first; brace-matched spans that
// fall inside a processed fence are not reported twice.
func ExtractAll(text string) []json.RawMessage {
	cleaned, err := sanitize(text)
	if err != nil {
		return nil
	}
	return scan(cleaned)
}

// ExtractInto extracts the first JSON value from text and unmarshals it into
// target.
func ExtractInto(text string, target any) error {
	raw, err := Extract(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("jsonutil: unmarshal failed: %w", err)
	}
	return nil
}

// scanFences applies the code-fence strategy and returns the extracted values
// together with the byte spans of the fences they came from.
func scanFences(text string) ([]json.RawMessage, []span) {
	var results []json.RawMessage
	var fences []span

	for _, loc := range reJSONFence.FindAllStringSubmatchIndex(text, -1) {
		if len(loc) < 4 {
			continue
		}
		inner := strings.TrimSpace(text[loc[2]:loc[3]])
		if inner == "" || !json.Valid([]byte(inner)) {
			continue
		}
		fences = append(fences, span{loc[0], loc[1]})
		results = append(results, json.RawMessage(inner))
	}
	return results, fences
}

// scan applies all extraction strategies to pre-sanitized text.
func scan(text string) []json.RawMessage {
	results, fences := scanFences(text)

	// Brace/bracket matching for top-level { } and [ ] structures outside the
	// fences already harvested.
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if ch != '{' && ch != '[' {
			continue
		}
		if inAnySpan(i, fences) {
			continue
		}
		end := matchingDelimiter(text, i)
		if end < 0 {
			continue
		}
		candidate := text[i : end+1]
		if !json.Valid([]byte(candidate)) {
			continue
		}
		results = append(results, json.RawMessage(candidate))
		i = end
	}

	return results
}

// inAnySpan reports whether pos falls within any recorded span.
func inAnySpan(pos int, spans []span) bool {
	for _, s := range spans {
		if pos >= s.start && pos < s.end {
			return true
		}
	}
	return false
}

// matchingDelimiter returns the index of the closing delimiter that closes
// the opening delimiter ('{' or '[') at position start in text, or -1 when no
// matching closer exists. Nested delimiters, double-quoted strings, and
// escape sequences inside strings are handled.
func matchingDelimiter(text string, start int) int {
	openCh := text[start]
	var closeCh byte
	switch openCh {
	case '{':
		closeCh = '}'
	case '[':
		closeCh = ']'
	default:
		return -1
	}

	depth := 0
	inString := false

	for i := start; i < len(text); i++ {
		ch := text[i]

		if inString {
			switch ch {
			case '\\':
				i++ // skip the escaped character
			case '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case openCh:
			depth++
		case closeCh:
			depth--
			if depth == 0 {
				return i
			}
		}
	}

	return -1
}
