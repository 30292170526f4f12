package multirun

import (
	"fmt"
	"io"
	"time"

	"github.com/deixis/rerun/internal/console"
	"github.com/deixis/rerun/internal/report"
)

// Iteration is the result of one run of the command.
type Iteration struct {
	Index     int
	ExitCode  int
	Duration  time.Duration
	Output    []byte // combined output; kept only when the iteration did not pass
	Truncated bool
	TimedOut  bool
	Err       error // non-nil when the command could not be started

	// Interrupted marks an iteration cut short by cancellation. Such an
	// iteration is neither a pass nor a failure and is never recorded.
	Interrupted bool
}

// Failed reports a verification failure: the command ran and exited
// non-zero or was killed by the timeout.
func (it Iteration) Failed() bool {
	return it.Err == nil && !it.Interrupted && (it.ExitCode != 0 || it.TimedOut)
}

// Passed reports whether the command ran and exited zero.
func (it Iteration) Passed() bool {
	return it.Err == nil && !it.Interrupted && it.ExitCode == 0 && !it.TimedOut
}

// Summary aggregates a session.
type Summary struct {
	ID          string
	Count       int // iterations requested
	Completed   int // iterations that ran and were reported
	Passed      int
	Failed      int
	SpawnErrors int
	Aborted     bool // stopped before Count iterations completed
	StartedAt   time.Time
	Duration    time.Duration
	Iterations  []Iteration
}

// OK reports whether every requested iteration ran and passed.
func (s *Summary) OK() bool {
	return !s.Aborted && s.Failed == 0 && s.SpawnErrors == 0 && s.Completed == s.Count
}

// FailedIndices returns the indices of iterations that did not pass.
func (s *Summary) FailedIndices() []int {
	var out []int
	for _, it := range s.Iterations {
		if !it.Passed() {
			out = append(out, it.Index)
		}
	}
	return out
}

func (s *Summary) record(it Iteration) {
	s.Completed++
	switch {
	case it.Err != nil:
		s.SpawnErrors++
	case it.Failed():
		s.Failed++
	default:
		s.Passed++
	}
	s.Iterations = append(s.Iterations, it)
}

func (s *Summary) finish(out io.Writer, colors *console.Scheme) *Summary {
	s.Duration = time.Since(s.StartedAt)

	line := fmt.Sprintf("%d runs: %d passed, %d failed, %d spawn errors in %s",
		s.Completed, s.Passed, s.Failed, s.SpawnErrors, formatDuration(s.Duration))
	if s.Aborted {
		line += fmt.Sprintf(" (aborted after %d of %d)", s.Completed, s.Count)
	}
	if s.OK() {
		line = colors.Pass("%s", line)
	} else {
		line = colors.Fail("%s", line)
	}
	fmt.Fprintf(out, "\n%s\n", line)
	return s
}

// RunResult converts the summary into a storable report.
func (s *Summary) RunResult(command []string) *report.RunResult {
	rr := &report.RunResult{
		ID:          s.ID,
		Kind:        report.Multitest,
		StartedAt:   s.StartedAt,
		Command:     command,
		Count:       s.Count,
		Passed:      s.Passed,
		Failed:      s.Failed,
		SpawnErrors: s.SpawnErrors,
		DurationMS:  s.Duration.Milliseconds(),
		Aborted:     s.Aborted,
	}
	for _, it := range s.Iterations {
		ri := report.Iteration{
			Index:      it.Index,
			ExitCode:   it.ExitCode,
			DurationMS: it.Duration.Milliseconds(),
			Failed:     !it.Passed(),
			TimedOut:   it.TimedOut,
			Output:     string(it.Output),
		}
		if it.Err != nil {
			ri.SpawnError = it.Err.Error()
		}
		rr.Iterations = append(rr.Iterations, ri)
	}
	return rr
}

// SpawnFailure is returned when a session is aborted because the command
// could not be started. It signals environment trouble rather than a
// failing verification.
type SpawnFailure struct {
	Index int
	Err   error
}

func (e *SpawnFailure) Error() string {
	return fmt.Sprintf("run %d: cannot start command: %v", e.Index, e.Err)
}

func (e *SpawnFailure) Unwrap() error { return e.Err }
