// Package utils holds small string/slice helpers shared across the boot
// sequence, in the spirit of the teacher's pkg/utils — trimmed to what a
// headless init actually needs (no color/table/gocui helpers: there is no
// terminal UI at PID 1).
package utils

import (
	"strings"
)

// SplitLines splits a multiline string on newlines, stripping \r's.
func SplitLines(multilineString string) []string {
	multilineString = strings.ReplaceAll(multilineString, "\r", "")
	if multilineString == "" || multilineString == "\n" {
		return make([]string, 0)
	}
	lines := strings.Split(multilineString, "\n")
	if lines[len(lines)-1] == "" {
		return lines[:len(lines)-1]
	}
	return lines
}

// SafeTruncate truncates str to at most limit bytes.
func SafeTruncate(str string, limit int) string {
	if len(str) > limit {
		return str[0:limit]
	}
	return str
}

// IsAbsPath reports whether p looks like an absolute POSIX path. Used by
// the runtime-spec merge to reject relative volume mount paths (spec.md §3
// invariant).
func IsAbsPath(p string) bool {
	return strings.HasPrefix(p, "/")
}
