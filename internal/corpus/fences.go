package corpus

import (
	"bytes"
	"strings"
)

// scanFences extracts fenced code blocks with exact byte spans and
// close-detection, which the goldmark AST does not expose. It follows
// the CommonMark rules for top-level fences: up to three spaces of
// indent, three or more backticks or tildes, a backtick fence's info
// string may not contain a backtick, and the closing line needs at
// least as many marker characters as the opening line. Fences nested
// in blockquotes or lists are out of scope.
//
// Returned offsets index into data; Line is left for the caller.
func scanFences(data []byte) []Fence {
	var fences []Fence

	var (
		open        bool
		marker      byte
		markerLen   int
		openStart   int
		infoString  string
		contentFrom int
	)

	pos := 0
	for pos <= len(data) {
		lineEnd := bytes.IndexByte(data[pos:], '\n')
		var next int
		var line []byte
		if lineEnd < 0 {
			line = data[pos:]
			next = len(data) + 1
		} else {
			line = data[pos : pos+lineEnd]
			next = pos + lineEnd + 1
		}

		if !open {
			if m, n, info, ok := fenceOpen(line); ok {
				open = true
				marker = m
				markerLen = n
				openStart = pos
				infoString = info
				contentFrom = next
				if contentFrom > len(data) {
					contentFrom = len(data)
				}
			}
		} else if fenceClose(line, marker, markerLen) {
			end := next
			if end > len(data) {
				end = len(data)
			}
			codeEnd := pos
			if codeEnd < contentFrom {
				codeEnd = contentFrom
			}
			fences = append(fences, Fence{
				Lang:      langOf(infoString),
				Info:      infoString,
				Code:      string(data[contentFrom:codeEnd]),
				StartByte: uint32(openStart),
				EndByte:   uint32(end),
				Closed:    true,
			})
			open = false
		}

		if lineEnd < 0 {
			break
		}
		pos = next
	}

	if open {
		codeFrom := contentFrom
		if codeFrom > len(data) {
			codeFrom = len(data)
		}
		fences = append(fences, Fence{
			Lang:      langOf(infoString),
			Info:      infoString,
			Code:      string(data[codeFrom:]),
			StartByte: uint32(openStart),
			EndByte:   uint32(len(data)),
			Closed:    false,
		})
	}

	return fences
}

// fenceOpen reports whether line opens a fence, returning the marker
// character, marker run length, and trimmed info string.
func fenceOpen(line []byte) (marker byte, n int, info string, ok bool) {
	i := 0
	for i < len(line) && i < 3 && line[i] == ' ' {
		i++
	}
	if i >= len(line) {
		return 0, 0, "", false
	}
	c := line[i]
	if c != '`' && c != '~' {
		return 0, 0, "", false
	}
	j := i
	for j < len(line) && line[j] == c {
		j++
	}
	if j-i < 3 {
		return 0, 0, "", false
	}
	rest := strings.TrimSpace(string(line[j:]))
	if c == '`' && strings.ContainsRune(rest, '`') {
		return 0, 0, "", false
	}
	return c, j - i, rest, true
}

// fenceClose reports whether line closes a fence opened with the given
// marker: same character, at least as long a run, nothing else on the
// line but whitespace.
func fenceClose(line []byte, marker byte, markerLen int) bool {
	i := 0
	for i < len(line) && i < 3 && line[i] == ' ' {
		i++
	}
	j := i
	for j < len(line) && line[j] == marker {
		j++
	}
	if j-i < markerLen {
		return false
	}
	return len(bytes.TrimSpace(line[j:])) == 0
}

// langOf extracts the language tag: the first word of the info string.
func langOf(info string) string {
	fields := strings.Fields(info)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
