package mailimap

import "strings"

// splitRFC5322HeaderOccurrences splits a raw header-fields fetch result
// (one or more "Name: value\r\n" occurrences, folded continuation lines
// included) into one unfolded value string per occurrence of name.
func splitRFC5322HeaderOccurrences(raw, name string) []string {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	prefix := name + ":"

	var out []string
	var current strings.Builder
	inField := false

	flush := func() {
		if inField {
			out = append(out, strings.TrimSpace(current.String()))
			current.Reset()
			inField = false
		}
	}

	for _, line := range lines {
		if strings.HasPrefix(strings.ToLower(line), strings.ToLower(prefix)) {
			flush()
			current.WriteString(strings.TrimPrefix(line, prefix))
			inField = true
			continue
		}
		if inField && (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) {
			current.WriteString(" ")
			current.WriteString(strings.TrimSpace(line))
			continue
		}
		flush()
	}
	flush()

	return out
}
