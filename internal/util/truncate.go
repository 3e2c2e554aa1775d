package util

import "fmt"

// DefaultLogMaxLen caps truncated log output at 1KB.
const DefaultLogMaxLen = 1024

// TruncateLog truncates long strings for log output so unexpected
// upstream bodies cannot flood the log.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes is a convenience wrapper for TruncateLog that accepts
// []byte and uses DefaultLogMaxLen.
func TruncateBytes(b []byte) string {
	return TruncateLog(string(b), DefaultLogMaxLen)
}
