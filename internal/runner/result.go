package runner

import "time"

// Result holds the output of a command execution.
type Result struct {
	RunID     string        // unique identifier for this run
	ExitCode  int           // process exit code; -1 when killed
	Stdout    []byte        // captured stdout (may be truncated)
	Stderr    []byte        // captured stderr (may be truncated)
	Output    []byte        // stdout and stderr interleaved, as with 2>&1 (may be truncated)
	Truncated bool          // true if any stream exceeded the size cap
	TimedOut  bool          // true if the command was killed by the timeout
	StartedAt time.Time     // recorded immediately before the process starts
	Duration  time.Duration // wall time from start to termination
}

// Failed reports whether the command terminated unsuccessfully.
func (r *Result) Failed() bool {
	return r.ExitCode != 0 || r.TimedOut
}
