package participant

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnparseable marks a reply that survived neither strict parsing nor the
// fallback extractor. Callers convert it to an abstention or a no vote; it is
// never allowed to escape as a crash.
var ErrUnparseable = errors.New("unparseable participant response")

// Parse converts a raw reply into a Response. Strict JSON is tried first; if
// the reply wraps JSON in prose, the first balanced object is extracted and
// parsed. Anything else is unparseable; there is no free-text guessing of
// focus or votes.
func Parse(raw string) (Response, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Response{}, fmt.Errorf("%w: empty reply", ErrUnparseable)
	}

	var resp Response
	if err := json.Unmarshal([]byte(trimmed), &resp); err == nil {
		resp.Raw = raw
		return normalize(resp, raw)
	}

	obj, ok := extractObject(trimmed)
	if !ok {
		return Response{}, fmt.Errorf("%w: no JSON object found", ErrUnparseable)
	}
	if err := json.Unmarshal([]byte(obj), &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	return normalize(resp, raw)
}

func normalize(resp Response, raw string) (Response, error) {
	resp.Raw = raw
	resp.Focus = strings.ToLower(strings.TrimSpace(resp.Focus))
	resp.Vote = strings.ToLower(strings.TrimSpace(resp.Vote))
	switch resp.Vote {
	case "", "yes", "no", "abstain":
	default:
		return Response{}, fmt.Errorf("%w: vote %q is not yes/no/abstain", ErrUnparseable, resp.Vote)
	}
	if resp.Focus == "" && resp.Vote == "" && resp.ContinueMission == nil && resp.ObjectiveAchieved == nil {
		return Response{}, fmt.Errorf("%w: no recognized fields", ErrUnparseable)
	}
	return resp, nil
}

// extractObject returns the first balanced top-level JSON object in s. String
// escapes are honored so braces inside quoted values do not confuse the scan.
func extractObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
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
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
