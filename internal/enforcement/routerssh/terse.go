package routerssh

import (
	"strings"
)

// parseTerse reads `print terse` output: one item per line, each a run of
// key=value pairs after the item number and flags.
func parseTerse(out string) []map[string]string {
	var items []map[string]string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		item := make(map[string]string)
		for _, tok := range splitTokens(line) {
			key, value, ok := strings.Cut(tok, "=")
			if !ok || key == "" {
				continue
			}
			item[key] = value
		}
		if len(item) > 0 {
			items = append(items, item)
		}
	}
	return items
}

// splitTokens splits on spaces outside double quotes and unquotes values
func splitTokens(line string) []string {
	var tokens []string
	var cur strings.Builder
	inQuotes := false
	escaped := false

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && inQuotes:
			escaped = true
		case r == '"':
			inQuotes = !inQuotes
		case (r == ' ' || r == '\t') && !inQuotes:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

// quote renders a CLI string literal
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`)
	return `"` + r.Replace(s) + `"`
}

// cliFailure reports whether RouterOS printed an error instead of results.
// The CLI exits 0 on most failures.
func cliFailure(stdout, stderr string) (string, bool) {
	for _, out := range []string{stderr, stdout} {
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			lower := strings.ToLower(line)
			if strings.HasPrefix(lower, "failure:") ||
				strings.HasPrefix(lower, "syntax error") ||
				strings.HasPrefix(lower, "expected ") ||
				strings.HasPrefix(lower, "bad command") ||
				strings.Contains(lower, "no such item") {
				return line, true
			}
		}
	}
	return "", false
}
