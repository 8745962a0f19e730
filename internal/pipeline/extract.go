package pipeline

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/FRE-Studios/agentpipe/internal/jsonutil"
)

// ExtractOutputs recovers structured key/value outputs from an agent's
// free-form reply. It is pure and deterministic; it performs no I/O.
//
// Two strategies run in order:
//
//  1. Every ```json fenced block is parsed; valid objects are shallow-merged
//     into the result, the last occurrence winning for duplicate keys.
//  2. For any requested key still missing, lines matching "key: value"
//     (case-insensitive key match) are scanned; the first match wins.
//     Values are trimmed verbatim, with numeric-looking values converted to
//     numbers and "true"/"false" to booleans.
//
// Missing keys are simply absent from the result, never fabricated.
func ExtractOutputs(text string, keys []string) map[string]any {
	data := make(map[string]any)

	for _, raw := range jsonutil.ExtractFenced(text) {
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			// Fenced arrays and scalars carry no keys to merge.
			continue
		}
		for k, v := range obj {
			data[k] = v
		}
	}

	for _, key := range keys {
		if _, ok := data[key]; ok {
			continue
		}
		if v, ok := scanKeyLine(text, key); ok {
			data[key] = v
		}
	}

	if len(data) == 0 {
		return nil
	}
	return data
}

// scanKeyLine looks for a "key: value" line, matching the key
// case-insensitively at the start of the line.
func scanKeyLine(text, key string) (any, bool) {
	re, err := regexp.Compile(`(?im)^\s*` + regexp.QuoteMeta(key) + `\s*:\s*(.+)$`)
	if err != nil {
		return nil, false
	}
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	return coerceScalar(strings.TrimSpace(m[1])), true
}

// coerceScalar converts numeric-looking values to float64 and boolean words
// to bool; everything else stays a string.
func coerceScalar(v string) any {
	switch strings.ToLower(v) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return n
	}
	return v
}
