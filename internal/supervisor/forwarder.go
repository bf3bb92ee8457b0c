//go:build linux

package supervisor

import (
	"io"
	"time"
)

const (
	forwardBatchMax  = 64 * 1024
	forwardBatchWait = 5 * time.Millisecond
)

// forwardStream copies one child output stream (stdout or stderr) to the
// master's own descriptor, batching bursts of chunks into a single write
// syscall so an aggressively chatty worker doesn't interleave partial lines
// with the master's structured log output any more than it has to.
//
// Runs until the child closes its end of the pipe (exit), then closes r.
func forwardStream(r io.ReadCloser, w io.Writer) {
	chunks := make(chan []byte, 16)
	go func() {
		defer close(chunks)
		defer r.Close()
		for {
			buf := make([]byte, 4096)
			n, err := r.Read(buf)
			if n > 0 {
				chunks <- buf[:n]
			}
			if err != nil {
				return
			}
		}
	}()

	for first := range chunks {
		batch := first
		timer := time.NewTimer(forwardBatchWait)
	drain:
		for len(batch) < forwardBatchMax {
			select {
			case c, ok := <-chunks:
				if !ok {
					break drain
				}
				batch = append(batch, c...)
			case <-timer.C:
				break drain
			}
		}
		timer.Stop()
		_, _ = w.Write(batch)
	}
}
