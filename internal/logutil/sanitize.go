package logutil

import "strings"

// SanitizeForLog flattens untrusted text onto a single log line: newlines,
// carriage returns, and tabs become spaces, and any remaining control
// characters are dropped so embedded input cannot forge log entries.
func SanitizeForLog(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return ' '
		}
		if r < 32 {
			return -1
		}
		return r
	}, s)
}
