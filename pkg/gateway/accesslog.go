// pkg/gateway/accesslog.go

package gateway

import (
	"fmt"
	"sync"
	"time"
)

type logReader struct {
	sync.Mutex
	buffer chan []byte
	last   []byte
}

// accessLog fans out one line per finished operation to the open readers and
// logs operations slower than the threshold.
type accessLog struct {
	mu      sync.Mutex
	readers map[uint64]*logReader
	next    uint64
	slow    time.Duration
}

func newAccessLog(slow time.Duration) *accessLog {
	return &accessLog{readers: make(map[uint64]*logReader), slow: slow}
}

func (a *accessLog) logit(used time.Duration, format string, args ...interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	slow := a.slow > 0 && used >= a.slow
	if len(a.readers) == 0 && !slow {
		return
	}

	cmd := fmt.Sprintf(format, args...)
	ts := time.Now().Format("2006.01.02 15:04:05.000000")
	cmd += fmt.Sprintf(" <%.6f>", used.Seconds())
	if slow {
		logger.Infof("slow operation: %s", cmd)
	}
	line := []byte(fmt.Sprintf("%s %s\n", ts, cmd))

	for _, r := range a.readers {
		select {
		case r.buffer <- line:
		default:
		}
	}
}

func (a *accessLog) open() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	a.readers[a.next] = &logReader{buffer: make(chan []byte, 10240)}
	return a.next
}

func (a *accessLog) close(id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.readers, id)
}

// read fills buf with logged lines, waiting up to a second for the first one.
// It returns "#\n" when nothing was logged in that second.
func (a *accessLog) read(id uint64, buf []byte) int {
	a.mu.Lock()
	r, ok := a.readers[id]
	a.mu.Unlock()
	if !ok {
		return 0
	}
	r.Lock()
	defer r.Unlock()
	var n int
	if len(r.last) > 0 {
		n = copy(buf, r.last)
		r.last = r.last[n:]
	}
	var t = time.NewTimer(time.Second)
	defer t.Stop()
	for n < len(buf) {
		select {
		case line := <-r.buffer:
			l := copy(buf[n:], line)
			n += l
			if l < len(line) {
				r.last = line[l:]
				return n
			}
		case <-t.C:
			if n == 0 {
				n = copy(buf, []byte("#\n"))
			}
			return n
		}
	}
	return n
}

func errstr(err error) string {
	if err == nil {
		return "OK"
	}
	return err.Error()
}
