package planner

import (
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"loom/internal/domain"
	loomerrors "loom/internal/errors"
	"loom/internal/jsonx"
)

// ParseDocument extracts a plan document from raw model output. Models
// mostly return clean JSON, but fenced blocks, prose wrappers, and small
// syntax damage all show up in practice, so parsing runs a ladder: decode
// directly, repair then decode, and finally pull the first balanced JSON
// object out of the text and run it through the same two rungs.
func ParseDocument(content string) (*domain.PlanDocument, error) {
	if doc, err := decodeDocument(content); err == nil {
		return doc, nil
	}
	if repaired, err := jsonrepair.JSONRepair(content); err == nil {
		if doc, err := decodeDocument(repaired); err == nil {
			return doc, nil
		}
	}
	if object, ok := extractJSONObject(content); ok {
		if doc, err := decodeDocument(object); err == nil {
			return doc, nil
		}
		if repaired, err := jsonrepair.JSONRepair(object); err == nil {
			if doc, err := decodeDocument(repaired); err == nil {
				return doc, nil
			}
		}
	}
	return nil, loomerrors.PlanParse("Failed to parse plan JSON from Claude response")
}

func decodeDocument(s string) (*domain.PlanDocument, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return nil, loomerrors.PlanParse("not a JSON object")
	}
	var doc domain.PlanDocument
	if err := jsonx.Unmarshal([]byte(s), &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// extractJSONObject returns the first balanced {...} span in s. String
// literals and escapes are tracked so braces inside strings don't count.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
