package depgraph

import (
	"regexp"
	"strings"
)

var pkgNameRe = regexp.MustCompile(`^[A-Za-z0-9+_.:-]+`)

// splitParagraphs parses control-file content into stanzas of key/value
// pairs. Stanzas are separated by blank lines; lines starting with whitespace
// continue the previous field.
func splitParagraphs(content string) []map[string]string {
	var paragraphs []map[string]string
	current := make(map[string]string)
	currentKey := ""
	flush := func() {
		if len(current) > 0 {
			paragraphs = append(paragraphs, current)
			current = make(map[string]string)
			currentKey = ""
		}
	}
	for _, rawLine := range strings.Split(content, "\n") {
		line := strings.TrimRight(rawLine, " \t\r")
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if currentKey != "" {
				current[currentKey] += " " + strings.TrimSpace(line)
			}
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		currentKey = strings.TrimSpace(key)
		current[currentKey] = strings.TrimSpace(value)
	}
	flush()
	return paragraphs
}

// parseDepends extracts package names from a dependency field value. Each
// comma-separated entry contributes its first |-alternative with version
// constraints, architecture qualifiers and vendor prefixes stripped.
func parseDepends(value string) []string {
	var deps []string
	for _, part := range strings.Split(value, ",") {
		token, _, _ := strings.Cut(part, "|")
		token = strings.TrimSpace(token)
		token, _, _ = strings.Cut(token, "(")
		token, _, _ = strings.Cut(token, "[")
		token, _, _ = strings.Cut(token, "{")
		token = strings.TrimSpace(token)
		if i := strings.Index(token, ":"); i != -1 {
			token = strings.TrimSpace(token[:i])
		}
		name := pkgNameRe.FindString(token)
		if name == "" {
			continue
		}
		deps = append(deps, name)
	}
	return deps
}
