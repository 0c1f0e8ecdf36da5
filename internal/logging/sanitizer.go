package logging

import (
	"regexp"
)

// Sanitizer redacts credentials from log output. Hook scripts and work
// item payloads routinely carry tokens in their output and environment.
type Sanitizer struct {
	patterns []*regexp.Regexp
	redacted string
}

// NewSanitizer creates a sanitizer with default patterns.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		patterns: defaultPatterns(),
		redacted: "[REDACTED]",
	}
}

func defaultPatterns() []*regexp.Regexp {
	patterns := []string{
		`sk-ant-[a-zA-Z0-9-]{40,}`,
		`sk-[A-Za-z0-9]{20,}`,
		`gh[pousr]_[A-Za-z0-9]{36}`,
		`github_pat_[A-Za-z0-9_]{40,}`,
		`glpat-[A-Za-z0-9_-]{20}`,
		`AKIA[0-9A-Z]{16}`,
		`xox[baprs]-[0-9a-zA-Z-]{10,}`,
		`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`,
		`(?i)(api[_-]?key|secret|token)["'\s:=]+[a-zA-Z0-9_-]{20,}`,
		`(?i)password["'\s:=]+[^\s"']{8,}`,
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

// Sanitize redacts sensitive information from a string.
func (s *Sanitizer) Sanitize(input string) string {
	for _, pattern := range s.patterns {
		input = pattern.ReplaceAllString(input, s.redacted)
	}
	return input
}

// SanitizeMap redacts string values in a map, recursing into nested maps.
func (s *Sanitizer) SanitizeMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			result[k] = s.Sanitize(val)
		case map[string]any:
			result[k] = s.SanitizeMap(val)
		default:
			result[k] = v
		}
	}
	return result
}

// AddPattern adds a custom pattern.
func (s *Sanitizer) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	s.patterns = append(s.patterns, re)
	return nil
}
