package stream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidRange covers malformed headers and ranges starting past EOF.
	ErrInvalidRange = errors.New("invalid range")
	// ErrMultiRange is returned for multi-range requests, which a media
	// player never sends and this server does not support.
	ErrMultiRange = errors.New("multi-range not supported")
)

// byteRange is an inclusive byte range [Start, End].
type byteRange struct {
	Start int64
	End   int64
}

func (r byteRange) length() int64 {
	return r.End - r.Start + 1
}

// parseRange parses a "Range" header against a resource of the given size.
// Out-of-range ends and oversized suffixes clamp to the file; everything
// uses saturating arithmetic so no input can underflow.
func parseRange(header string, size int64) (byteRange, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return byteRange{}, ErrInvalidRange
	}

	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return byteRange{}, ErrMultiRange
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return byteRange{}, ErrInvalidRange
	}

	startStr := strings.TrimSpace(parts[0])
	endStr := strings.TrimSpace(parts[1])

	var r byteRange

	if startStr == "" {
		// Suffix range: bytes=-N means the last N bytes.
		if endStr == "" {
			return byteRange{}, ErrInvalidRange
		}

		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return byteRange{}, ErrInvalidRange
		}

		// No suffix is satisfiable against an empty resource; without this
		// the clamp below would yield the degenerate range [0, -1].
		if size == 0 {
			return byteRange{}, ErrInvalidRange
		}

		if n > size {
			n = size
		}

		r.Start = size - n
		r.End = size - 1

		return r, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, ErrInvalidRange
	}

	if start >= size {
		return byteRange{}, ErrInvalidRange
	}

	r.Start = start

	if endStr == "" {
		r.End = size - 1

		return r, nil
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return byteRange{}, ErrInvalidRange
	}

	if end >= size {
		end = size - 1
	}

	r.End = end

	return r, nil
}

// contentRange formats the Content-Range header for a 206 response.
func contentRange(r byteRange, size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// unsatisfiableRange formats the Content-Range header for a 416 response.
func unsatisfiableRange(size int64) string {
	return fmt.Sprintf("bytes */%d", size)
}
