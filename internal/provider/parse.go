package provider

import (
	"encoding/json"
	"strings"
)

// findJSONBounds locates the first top-level JSON object ({}) or array ([])
// in s. Returns the start index and end+1 index, or (-1, -1) if not found.
func findJSONBounds(s string) (int, int) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return -1, -1
	}

	openChar := s[start]
	var closeChar byte
	if openChar == '{' {
		closeChar = '}'
	} else {
		closeChar = ']'
	}

	depth := 0
	inStr := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inStr {
			if ch == '\\' {
				i++
				continue
			}
			if ch == '"' {
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case openChar:
			depth++
		case closeChar:
			depth--
			if depth == 0 {
				return start, i + 1
			}
		}
	}
	return -1, -1
}

// stripCodeFence removes a surrounding markdown code fence, if present.
// Some models wrap their JSON answer in ```json fences no matter what the
// prompt says.
func stripCodeFence(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	lines := strings.Split(content, "\n")
	if len(lines) >= 3 && strings.HasPrefix(lines[len(lines)-1], "```") {
		return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
	}
	return content
}

// turnDirective is the optional machine-readable trailer agents append to
// declare their state transition and who to pull in next.
type turnDirective struct {
	Action     string   `json:"action"`
	Involve    []string `json:"involve"`
	WaitingFor []string `json:"waiting_for"`
}

// parseTurnDirective extracts a trailing turn directive from generated
// content, returning the cleaned prose and the directive. Directives appear
// either as a trailing ```json fence or as a bare JSON object on the final
// lines. Content without a directive is returned unchanged.
func parseTurnDirective(content string) (string, turnDirective, bool) {
	trimmed := strings.TrimRight(content, " \t\n")

	// Trailing fenced block.
	if strings.HasSuffix(trimmed, "```") {
		if open := strings.LastIndex(trimmed, "```json"); open >= 0 {
			inner := stripCodeFence(trimmed[open:])
			if d, ok := unmarshalDirective(inner); ok {
				return strings.TrimSpace(trimmed[:open]), d, true
			}
		}
		return content, turnDirective{}, false
	}

	// Trailing bare object.
	if strings.HasSuffix(trimmed, "}") {
		start := strings.LastIndex(trimmed, "\n{")
		switch {
		case start >= 0:
			start++
		case strings.HasPrefix(trimmed, "{"):
			start = 0
		default:
			return content, turnDirective{}, false
		}
		if d, ok := unmarshalDirective(trimmed[start:]); ok {
			return strings.TrimSpace(trimmed[:start]), d, true
		}
	}
	return content, turnDirective{}, false
}

func unmarshalDirective(raw string) (turnDirective, bool) {
	var d turnDirective
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return turnDirective{}, false
	}
	return d, d.Action != ""
}
