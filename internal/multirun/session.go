package multirun

import "context"

// Session is a multitest running in the background. It completes exactly
// once, after which Wait returns the aggregate outcome.
type Session struct {
	done    chan struct{}
	summary *Summary
	err     error
}

// Start runs a session on its own goroutine and returns immediately.
func Start(ctx context.Context, inv Invoker, opts Options) *Session {
	s := &Session{done: make(chan struct{})}
	go func() {
		defer close(s.done)
		s.summary, s.err = Run(ctx, inv, opts)
	}()
	return s
}

// Done is closed when the session has finished.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session finishes and returns its outcome.
func (s *Session) Wait() (*Summary, error) {
	<-s.done
	return s.summary, s.err
}
