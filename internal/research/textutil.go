package research

import "strings"

// sanitizeLogText flattens control characters and whitespace so untrusted
// text (queries, snippets) cannot mangle log lines, truncating to maxRunes.
func sanitizeLogText(raw string, maxRunes int) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '\n', r == '\r', r == '\t':
			return ' '
		case r < 0x20 || r == 0x7f:
			return ' '
		default:
			return r
		}
	}, raw)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if maxRunes > 0 {
		rs := []rune(cleaned)
		if len(rs) > maxRunes {
			return string(rs[:maxRunes]) + "... (truncated)"
		}
	}
	return cleaned
}

func truncateRunes(raw string, maxRunes int) string {
	if maxRunes <= 0 {
		return raw
	}
	rs := []rune(raw)
	if len(rs) <= maxRunes {
		return raw
	}
	return string(rs[:maxRunes])
}
