package llmunit

import "strings"

var fencePrefixes = []string{"```json", "```javascript", "```markdown", "```"}

// CleanResponse strips what models commonly wrap around a JSON answer: one
// pair of surrounding double quotes, a leading code fence (json, javascript,
// markdown or bare) and a trailing fence.
func CleanResponse(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		s = s[1 : len(s)-1]
	}
	for _, p := range fencePrefixes {
		if strings.HasPrefix(s, p) {
			s = strings.TrimLeft(s[len(p):], " \t\r\n")
			break
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
