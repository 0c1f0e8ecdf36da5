package testutil

import (
	"regexp"
	"strings"
)

var (
	timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})`)
	ulidPattern      = regexp.MustCompile(`\b[0-9A-HJKMNP-TV-Z]{26}\b`)
	runSuffixPattern = regexp.MustCompile(`-run-\d{8}T\d{6}Z-[0-9a-f]{8}`)
)

// Normalize normalizes output for comparison.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

// ScrubTimestamps replaces RFC 3339 timestamps.
func ScrubTimestamps(s string) string {
	return timestampPattern.ReplaceAllString(s, "[TIMESTAMP]")
}

// ScrubIDs replaces ULIDs and generated run id suffixes.
func ScrubIDs(s string) string {
	s = runSuffixPattern.ReplaceAllString(s, "-run-[SUFFIX]")
	return ulidPattern.ReplaceAllString(s, "[ULID]")
}

// ScrubPaths normalizes file paths.
func ScrubPaths(s, basePath string) string {
	return strings.ReplaceAll(s, basePath, "[WORKDIR]")
}

// ScrubAll applies all scrubbing functions.
func ScrubAll(s, basePath string) string {
	result := ScrubPaths(s, basePath)
	result = ScrubTimestamps(result)
	result = ScrubIDs(result)
	return Normalize(result)
}
