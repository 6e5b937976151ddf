package progress

import (
	"io"
	"time"
)

// Reader wraps an io.Reader and reports progress via a callback. Reports
// are throttled by both a byte interval and a minimum time interval so a
// fast local link doesn't flood the event bus.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(written int64, total int64, speed float64)

	totalRead      int64
	sinceReport    int64
	reportInterval int64         // bytes
	minInterval    time.Duration // wall clock
	lastReport     time.Time
	windowStart    time.Time
	windowBytes    int64
}

func NewReader(r io.Reader, total int64, byteInterval int64, minInterval time.Duration, cb func(written, total int64, speed float64)) *Reader {
	now := time.Now()

	return &Reader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		reportInterval: byteInterval,
		minInterval:    minInterval,
		lastReport:     now,
		windowStart:    now,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.sinceReport += int64(n)
		pr.windowBytes += int64(n)

		if pr.sinceReport >= pr.reportInterval && time.Since(pr.lastReport) >= pr.minInterval {
			pr.report()
		}
	}

	if err == io.EOF && pr.sinceReport > 0 {
		pr.report()
	}

	return n, err
}

func (pr *Reader) report() {
	elapsed := time.Since(pr.windowStart).Seconds()

	var speed float64
	if elapsed > 0 {
		speed = float64(pr.windowBytes) / elapsed
	}

	pr.OnProgress(pr.totalRead, pr.Total, speed)

	pr.sinceReport = 0
	pr.windowBytes = 0
	pr.lastReport = time.Now()
	pr.windowStart = pr.lastReport
}
