package control

import "context"

// SignalSource owns a windowed signal-acquisition session. Open acquires the
// session, StartStreaming begins buffering samples, and Poll returns the most
// recent window. Close is idempotent; the loop logs and swallows its errors
// because cleanup must not itself fail.
type SignalSource interface {
	Open(ctx context.Context) error
	StartStreaming(ctx context.Context) error

	// Poll returns up to windowSize samples per channel. An empty window
	// means not enough data is buffered yet; that is not an error. Poll must
	// not block past a bounded wait and must observe ctx cancellation.
	Poll(ctx context.Context, windowSize int) ([][]float64, error)

	StopStreaming() error
	Close() error
}

// Event is one discrete labeled detection from an EventSource.
type Event struct {
	// Action is the label of the detected command, e.g. "push".
	Action string
	// Power is the confidence of the detection in [0,1].
	Power float64
}

// EventSource owns a session that yields discrete labeled events rather than
// raw windows. Next blocks until an event arrives or ctx is cancelled.
type EventSource interface {
	Open(ctx context.Context) error
	Subscribe(ctx context.Context) error
	Next(ctx context.Context) (Event, error)
	Close() error
}

// FeatureExtractor converts a raw window into a scalar decision score in
// [0,1]. It is opaque to the loop: prepared once during setup, treated as
// stateless afterwards, and released exactly once during teardown.
type FeatureExtractor interface {
	Prepare() error
	Score(window [][]float64) (float64, error)
	Release() error
}

// Actuator owns a connection to the remote device. SetMode must complete,
// including any settle delay, before the caller proceeds; it is invoked
// exactly once per connection, before the first SendMove. Disconnect is
// idempotent.
type Actuator interface {
	Connect(ctx context.Context) error
	SetMode(ctx context.Context, name string) error
	SendMove(ctx context.Context, x, y, z float64) error
	Disconnect() error
}

// Recorder receives run lifecycle and dispatch records. Implementations must
// tolerate being called from the single control goroutine only; errors are
// logged by the loop and never affect the cycle.
type Recorder interface {
	RunStarted(source string) error
	Dispatch(cycle uint64, x, y, z float64, ok bool) error
	RunEnded(state string, runErr error) error
}
