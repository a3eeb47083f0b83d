package tools

import (
	"regexp"
	"strings"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// QualifiedName is the name a namespaced tool is exposed under:
// "<server>_<tool>", both parts sanitized to lowercase alphanumerics
// and underscores.
func QualifiedName(server, tool string) string {
	return sanitize(server) + "_" + sanitize(tool)
}

// sanitize converts a name to lowercase and replaces non-alphanumeric
// characters (except underscore) with underscores. Consecutive
// underscores are collapsed and leading/trailing underscores are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")

	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}

// filter applies include/exclude lists to remote tool names. A non-empty
// include list wins over exclude.
type filter struct {
	include map[string]bool
	exclude map[string]bool
}

func newFilter(include, exclude []string) filter {
	return filter{include: toSet(include), exclude: toSet(exclude)}
}

func (f filter) allows(name string) bool {
	if len(f.include) > 0 {
		return f.include[name]
	}
	return !f.exclude[name]
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
