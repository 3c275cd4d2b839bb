// pkg/utils/bwlimit.go

package utils

import (
	"io"

	"github.com/juju/ratelimit"
)

type limitedWriter struct {
	io.Writer
	w *ratelimit.Bucket
}

func (l *limitedWriter) Write(buf []byte) (int, error) {
	l.w.Wait(int64(len(buf)))
	return l.Writer.Write(buf)
}

// NewLimitedWriter throttles w to about limit bytes per second; limit <= 0 returns w.
func NewLimitedWriter(w io.Writer, limit int64) io.Writer {
	if limit <= 0 {
		return w
	}
	return &limitedWriter{w, ratelimit.NewBucketWithRate(float64(limit), limit)}
}
