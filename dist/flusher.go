package dist

import (
	"bufio"
	"io"
	"sync"
	"time"
)

var (
	// a tick is a zero length frame
	keepAlivePacket = []byte{0, 0, 0, 0}
)

// linkFlusher buffers small writes and flushes them after a short
// latency window. When the link stays idle for a whole keepalive
// period it emits a tick instead.
type linkFlusher struct {
	mutex   sync.Mutex
	latency time.Duration
	writer  *bufio.Writer
	w       io.Writer

	timer           *time.Timer
	pending         bool
	keepAlivePeriod time.Duration
	stopped         bool
}

func newLinkFlusher(w io.Writer, latency time.Duration, keepAlivePeriod time.Duration) *linkFlusher {
	lf := &linkFlusher{
		latency:         latency,
		keepAlivePeriod: keepAlivePeriod,
		writer:          bufio.NewWriter(w),
		w:               w, // in case if we skip buffering
	}

	lf.timer = time.AfterFunc(keepAlivePeriod, func() {
		lf.mutex.Lock()
		defer lf.mutex.Unlock()

		if lf.stopped {
			return
		}

		// if we have no pending data to send we should
		// send a keepalive packet
		if lf.pending == false {
			if _, err := lf.w.Write(keepAlivePacket); err != nil {
				// the stream is gone, stop the cycle
				return
			}
			lf.timer.Reset(lf.keepAlivePeriod)
			return
		}

		if err := lf.writer.Flush(); err != nil {
			return
		}
		lf.pending = false
		lf.timer.Reset(lf.keepAlivePeriod)
	})

	return lf
}

func (lf *linkFlusher) Write(b []byte) (int, error) {
	lf.mutex.Lock()
	defer lf.mutex.Unlock()

	l := len(b)
	lenB := l

	// long data write directly to the socket, after anything already
	// buffered so frames stay in order
	if l > 64000 {
		if lf.pending {
			if e := lf.writer.Flush(); e != nil {
				return 0, e
			}
			lf.pending = false
		}
		for {
			n, e := lf.w.Write(b[lenB-l:])
			if e != nil {
				return n, e
			}
			l -= n
			if l > 0 {
				continue
			}
			return lenB, nil
		}
	}

	// write data to the buffer
	for {
		n, e := lf.writer.Write(b)
		if e != nil {
			return n, e
		}
		l -= n
		if l > 0 {
			continue
		}
		break
	}

	if lf.pending {
		return lenB, nil
	}

	lf.pending = true
	lf.timer.Reset(lf.latency)

	return lenB, nil
}

// Stop disarms the keepalive timer and flushes pending data. It must
// not block behind a keepalive write stuck on a dead peer, so the
// flush is best effort.
func (lf *linkFlusher) Stop() {
	lf.timer.Stop()
	if lf.mutex.TryLock() {
		lf.stopped = true
		lf.writer.Flush()
		lf.mutex.Unlock()
	}
}
