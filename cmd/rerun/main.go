// Command rerun verifies Go code and runs the verification repeatedly to
// surface intermittent failures.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		var exit exitError
		if !errors.As(err, &exit) {
			fmt.Fprintf(os.Stderr, "rerun: %v\n", err)
		}
		os.Exit(exitStatus(err))
	}
}

// exitStatus maps a command error to the process status: the code of an
// exitError, 2 for usage errors and 1 otherwise.
func exitStatus(err error) int {
	var exit exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	var usage usageError
	if errors.As(err, &usage) {
		return 2
	}
	return 1
}

// exitError ends the process with code after the command has already
// reported the outcome itself.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// usageError marks an error in how rerun was invoked, such as an unknown
// flag or a wrong number of arguments.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }

func (e usageError) Unwrap() error { return e.err }

// usageArgs wraps an argument validator so its errors are usage errors.
func usageArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return usageError{err: err}
		}
		return nil
	}
}
