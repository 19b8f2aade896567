// Package text normalises help text written as indented raw string literals.
package text

import "strings"

// Indentation is the indentation of example lines in help output.
const Indentation = `  `

// LongDesc trims a long description and removes the indentation its lines share, so that
// descriptions can be written indented in the source.
func LongDesc(s string) string {
	return strings.Join(dedent(s), "\n")
}

// Examples trims examples and indents every line with Indentation.
func Examples(s string) string {
	lines := dedent(s)
	for i, line := range lines {
		if line != "" {
			lines[i] = Indentation + line
		}
	}

	return strings.Join(lines, "\n")
}

// dedent splits the trimmed text into lines without their common leading whitespace.
func dedent(s string) []string {
	s = strings.Trim(s, "\n")
	if strings.TrimSpace(s) == "" {
		return nil
	}

	lines := strings.Split(s, "\n")
	prefix := ""
	first := true
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lead := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		if first || !strings.HasPrefix(lead, prefix) {
			prefix = commonPrefix(prefix, lead, first)
		}
		first = false
	}

	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			lines[i] = ""
			continue
		}
		lines[i] = strings.TrimRight(strings.TrimPrefix(line, prefix), " \t")
	}

	return lines
}

func commonPrefix(prefix, lead string, first bool) string {
	if first {
		return lead
	}
	n := 0
	for n < len(prefix) && n < len(lead) && prefix[n] == lead[n] {
		n++
	}

	return prefix[:n]
}
