package control

import "fmt"

// SetupError is fatal to startup: the run tears down whatever was already
// acquired and returns it as the terminal error.
type SetupError struct {
	Stage string // "source", "extractor", "actuator", "mode"
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup failed at %s: %v", e.Stage, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// StreamError wraps a recoverable poll or receive failure. The loop logs it
// and continues with the next cycle.
type StreamError struct {
	Cycle uint64
	Err   error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error on cycle %d: %v", e.Cycle, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// DispatchError wraps a recoverable actuator send failure. A missed command
// is not retried within the same cycle.
type DispatchError struct {
	Cycle uint64
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch error on cycle %d: %v", e.Cycle, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
