package core

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/samber/mo"
)

const (
	fileCompleteMarker = "Download complete"
	successMarker      = "(OK):download completed."
)

var percentPattern = regexp.MustCompile(`(\d+)%`)

// Classification is what a single line of downloader output tells us.
// Any combination of fields may be set.
type Classification struct {
	Progress mo.Option[float64]
	FileHint mo.Option[string]
	Success  bool
}

func (c Classification) IsEmpty() bool {
	return c.Progress.IsAbsent() && c.FileHint.IsAbsent() && !c.Success
}

// ParseLine classifies one line of downloader output. It never fails;
// a line without markers yields an empty Classification.
func ParseLine(line string) Classification {
	var c Classification

	if m := percentPattern.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			c.Progress = mo.Some(v)
		}
	}

	if strings.Contains(line, fileCompleteMarker) {
		// "." and ".." would point the job at the download dir or its parent.
		if name := lastPathSegment(line); name != "" && name != "." && name != ".." {
			c.FileHint = mo.Some(name)
		}
	}

	c.Success = strings.Contains(line, successMarker)
	return c
}

func lastPathSegment(line string) string {
	parts := strings.Split(line, "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(parts[i]); s != "" {
			return s
		}
	}
	return ""
}

// ScanOutputLines is a bufio.SplitFunc for downloader output. A line ends at
// "\n", "\r\n" or a bare "\r"; progress meters redraw with "\r" alone.
func ScanOutputLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		// "\r" at the end of the buffer: wait to see if "\n" follows.
		return 0, nil, nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
