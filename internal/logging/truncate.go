package logging

import (
	"encoding/hex"
	"strconv"
)

// MaxLogFieldLength caps string fields such as remote output or nack messages
const MaxLogFieldLength = 512

// MaxPreviewBytes caps the hex preview of raw stream chunks
const MaxPreviewBytes = 32

// Truncate shortens s to MaxLogFieldLength.
func Truncate(s string) string {
	return TruncateN(s, MaxLogFieldLength)
}

// TruncateN shortens s to n bytes, marking the cut with "...".
func TruncateN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// TruncateSlice keeps the first maxItems entries and summarizes the rest.
func TruncateSlice(items []string, maxItems int) []string {
	if len(items) <= maxItems {
		return items
	}
	out := make([]string, 0, maxItems+1)
	out = append(out, items[:maxItems]...)
	return append(out, "... and "+itoa(len(items)-maxItems)+" more")
}

// Preview hex-encodes the head of a byte chunk for debug logs.
func Preview(b []byte) string {
	if len(b) <= MaxPreviewBytes {
		return hex.EncodeToString(b)
	}
	return hex.EncodeToString(b[:MaxPreviewBytes]) + "..."
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
