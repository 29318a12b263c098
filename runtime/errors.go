package runtime

import "fmt"

// Severity of a task failure, assigned from the node's declared
// FailurePolicy.
type Severity int

const (
	// SeverityRecoverable failures are absorbed at the scheduler's per-task
	// boundary and surfaced only through counters and hooks.
	SeverityRecoverable Severity = iota

	// SeverityFatal failures unwind the run loop after a best-effort log
	// flush.
	SeverityFatal
)

func (s Severity) String() string {
	if s == SeverityFatal {
		return "fatal"
	}

	return "recoverable"
}

// TaskError wraps an error returned by a task invocation with where and
// when it happened.
type TaskError struct {
	Task     string
	Cycle    uint64
	Severity Severity
	Err      error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %q failed on cycle %d (%s): %v",
		e.Task, e.Cycle, e.Severity, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}
