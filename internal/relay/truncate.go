package relay

import "unicode/utf8"

// MaxMessageLength is Discord's limit on message content, in characters.
const MaxMessageLength = 2000

// TruncationMarker ends any text shortened by Truncate.
const TruncationMarker = "..."

// Truncate returns s unchanged when it has at most limit characters.
// Otherwise it cuts s so that the result, marker included, is exactly limit
// characters long.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	keep := limit - utf8.RuneCountInString(TruncationMarker)
	if keep <= 0 {
		return string([]rune(TruncationMarker)[:limit])
	}
	return string([]rune(s)[:keep]) + TruncationMarker
}
