package ai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSONObject returns the first balanced {...} span in text. Model
// output often wraps the object in prose or code fences. When no balanced
// span exists the first '{' through the last '}' is returned.
func ExtractJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
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
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	end := strings.LastIndexByte(text, '}')
	if end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// DecodeJSONObject extracts the first object span in text and unmarshals it
// into out.
func DecodeJSONObject(text string, out any) error {
	span, ok := ExtractJSONObject(text)
	if !ok {
		return fmt.Errorf("no json object in response")
	}
	if err := json.Unmarshal([]byte(span), out); err != nil {
		return fmt.Errorf("decode json object: %w", err)
	}
	return nil
}
