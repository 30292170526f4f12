// Package heartbeat prints a periodic liveness marker while a caller waits
// on a long-running operation.
//
// A Beat is a scoped resource: Start it right before the wait and Stop it
// (typically with defer) on every exit path. Once Stop returns the beat
// never writes again, so the caller owns the writer from that point on.
package heartbeat

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMark is written on every tick when no mark is given.
const DefaultMark = "."

// Beat is a running heartbeat.
type Beat struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	ticks    atomic.Int64
}

// Start begins writing mark to w every interval. A non-positive interval
// returns an inert Beat that never ticks.
func Start(w io.Writer, interval time.Duration, mark string) *Beat {
	b := &Beat{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if interval <= 0 || w == nil {
		close(b.done)
		return b
	}
	if mark == "" {
		mark = DefaultMark
	}
	go b.loop(w, interval, []byte(mark))
	return b
}

func (b *Beat) loop(w io.Writer, interval time.Duration, mark []byte) {
	defer close(b.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			// Stop may race with a tick that fired at the same instant;
			// re-check so nothing is written after Stop was requested.
			select {
			case <-b.stop:
				return
			default:
			}
			_, _ = w.Write(mark)
			b.ticks.Add(1)
		}
	}
}

// Stop halts the heartbeat and waits for its goroutine to exit.
// It is safe to call more than once.
func (b *Beat) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
}

// Ticks returns how many marks have been written so far.
func (b *Beat) Ticks() int {
	return int(b.ticks.Load())
}
