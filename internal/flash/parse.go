package flash

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
)

// dd reports progress on stderr as carriage-return separated lines of the
// form "123456789 bytes (123 MB, 117 MiB) copied, 2 s, 61.7 MB/s".
// parseProgressLine extracts the leading byte count; ok is false for any
// line that is not a progress report (records-in/out lines, warnings).
func parseProgressLine(line string) (bytes uint64, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, false
	}
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[1] != "bytes" {
		return 0, false
	}
	n, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// scanProgress splits on both \r and \n, since dd rewrites its progress
// line in place.
func scanProgress(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = scanProgress

func percentOf(copied, total uint64) int {
	if total == 0 {
		return 0
	}
	p := int((copied*100 + total/2) / total)
	if p > 100 {
		p = 100
	}
	return p
}
