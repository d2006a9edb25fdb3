package polyfill

import "strings"

const targetExt = ".jxl"

// IsCandidate reports whether url references a target-format resource: the
// extension either terminates the url or is immediately followed by a query
// string or fragment. Case-insensitive, no side effects.
func IsCandidate(url string) bool {
	if url == "" {
		return false
	}
	s := strings.ToLower(url)
	if strings.HasSuffix(s, targetExt) {
		return true
	}
	return strings.Contains(s, targetExt+"?") || strings.Contains(s, targetExt+"#")
}

// ExtractFromBackgroundValue pulls the url out of a CSS background-image
// value of the form url(...), optionally quoted. Returns "" unless the inner
// url is itself a candidate.
func ExtractFromBackgroundValue(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}
	lower := strings.ToLower(v)
	searchIdx := 0
	for {
		idx := strings.Index(lower[searchIdx:], "url(")
		if idx == -1 {
			return ""
		}
		idx += searchIdx
		start := idx + 4
		depth := 1
		end := start
		for end < len(v) && depth > 0 {
			switch v[end] {
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 {
					raw := strings.Trim(strings.TrimSpace(v[start:end]), "\"'")
					if raw != "" && !strings.EqualFold(raw, "none") && IsCandidate(raw) {
						return raw
					}
				}
			}
			end++
		}
		if depth > 0 || end >= len(v) {
			return ""
		}
		searchIdx = end
	}
}
