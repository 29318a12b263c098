package culog

import "errors"

// Sentinel errors of the logging pipeline. Callers classify failures with
// errors.Is; the concrete message carries the detail.
var (
	// ErrLogEncoding marks a batch that could not be encoded. The batch is
	// dropped and counted; the run continues.
	ErrLogEncoding = errors.New("culog: cannot encode batch")

	// ErrLogIO marks a failed durable write. Logging is a first-class
	// correctness requirement of a recording run, so the runtime escalates
	// this to a fatal failure.
	ErrLogIO = errors.New("culog: durable write failed")

	// ErrLogCorruption marks a corrupted batch detected before the end of a
	// stream. Corruption at the very tail of a file is downgraded to a
	// truncation warning instead.
	ErrLogCorruption = errors.New("culog: corrupted batch")

	// ErrUnknownSection marks a reference to a section that was never
	// declared.
	ErrUnknownSection = errors.New("culog: unknown section")
)
