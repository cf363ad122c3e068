// Package types defines shared application data types.
package types

// ExitCode represents the orchestrator's own exit codes. Archive-tool
// failures are mirrored verbatim and never mapped onto these.
type ExitCode int

const (
	// ExitSuccess - Execution completed successfully.
	ExitSuccess ExitCode = 0

	// ExitFailure - Orchestration failure (connectivity, storage
	// preparation, teardown).
	ExitFailure ExitCode = 1

	// ExitUsage - Bad command line or unusable configuration (EX_USAGE).
	ExitUsage ExitCode = 64

	// ExitPanic - Unhandled panic caught at the top level (EX_SOFTWARE).
	ExitPanic ExitCode = 70
)

// String returns a human-readable description of the exit code.
func (e ExitCode) String() string {
	switch e {
	case ExitSuccess:
		return "success"
	case ExitFailure:
		return "failure"
	case ExitUsage:
		return "usage error"
	case ExitPanic:
		return "panic"
	default:
		return "unknown error"
	}
}

// Int returns the exit code as an integer.
func (e ExitCode) Int() int {
	return int(e)
}
