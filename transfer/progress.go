package transfer

import (
	"io"
	"log/slog"
	"time"
)

const progressInterval = 10 * time.Second

// progressWriter logs throughput into the job log at a fixed interval.
type progressWriter struct {
	w       io.Writer
	total   int64
	written int64
	last    time.Time
	logger  *slog.Logger
}

func newProgressWriter(w io.Writer, total int64, logger *slog.Logger) *progressWriter {
	return &progressWriter{w: w, total: total, last: time.Now(), logger: logger}
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if time.Since(p.last) >= progressInterval {
		p.last = time.Now()
		if p.total > 0 {
			p.logger.Info("Progress", "bytes", p.written, "total", p.total, "percent", p.written*100/p.total)
		} else {
			p.logger.Info("Progress", "bytes", p.written)
		}
	}
	return n, err
}
