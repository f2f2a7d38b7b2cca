// Package stringutil provides small string helpers shared across
// display and storage code.
package stringutil

// TruncateString caps s at maxLen bytes.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateStringWithEllipsis caps s at maxLen bytes, replacing the tail
// with "..." when something was cut. The result never exceeds maxLen.
func TruncateStringWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
