// Package control implements the threshold-triggered actuation control loop:
// ordered fallible setup of the signal and actuator sessions, a single-thread
// sampling/decision/dispatch cycle, and guaranteed idempotent teardown on
// every exit path.
package control

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mindlink-robotics/mindlink/internal/monitoring"
	"github.com/mindlink-robotics/mindlink/internal/timeutil"
)

// ErrLoopReused is returned by Run when a Loop is run a second time. A Loop
// owns one session and one connection and is single-use.
var ErrLoopReused = errors.New("control: loop already run")

// stopTimeout bounds the zero-velocity send that pairs every move command.
const stopTimeout = 5 * time.Second

// Options configure a Loop. Zero values fall back to defaults where a default
// is sensible; Threshold and MoveDuration are validated by the constructors.
type Options struct {
	// Threshold is the decision boundary in (0,1]. A score or event power
	// greater than or equal to it triggers one move-then-stop pair.
	Threshold float64

	// WindowSize is the number of samples per channel handed to the feature
	// extractor. Windowed loops only.
	WindowSize int

	// PollInterval is the fixed inter-cycle wait when no dispatch happened.
	PollInterval time.Duration

	// MoveSpeed is the x velocity of the move command.
	MoveSpeed float64

	// MoveDuration is how long a triggered move runs before the paired stop.
	// This is an intentional, bounded blocking window within the cycle.
	MoveDuration time.Duration

	// MotionMode is set on the actuator exactly once, before the first move.
	// Defaults to "normal".
	MotionMode string

	// TriggerAction filters events by label. Event loops only. Defaults to
	// "push".
	TriggerAction string

	// Clock defaults to the real clock.
	Clock timeutil.Clock

	// Recorder, when non-nil, receives run lifecycle and dispatch records.
	Recorder Recorder
}

// Loop drives one signal session and one actuator connection. Exactly one of
// the two source shapes is set: a windowed SignalSource paired with a
// FeatureExtractor, or a discrete EventSource. Both share identical setup and
// teardown semantics.
type Loop struct {
	source    SignalSource
	extractor FeatureExtractor
	events    EventSource
	actuator  Actuator
	opts      Options
	shape     string

	state       atomic.Int32
	cleanupOnce sync.Once
	cycle       uint64

	// acquisition flags consulted by teardown; only the control goroutine
	// writes them
	sourceOpen     bool
	streaming      bool
	extractorReady bool
	actuatorUp     bool
}

// NewWindowedLoop builds a loop that polls raw windows from source and scores
// them with extractor.
func NewWindowedLoop(source SignalSource, extractor FeatureExtractor, actuator Actuator, opts Options) (*Loop, error) {
	if source == nil || extractor == nil || actuator == nil {
		return nil, errors.New("control: source, extractor and actuator are required")
	}
	if opts.WindowSize <= 0 {
		return nil, errors.New("control: window size must be positive")
	}
	if err := validateOptions(&opts); err != nil {
		return nil, err
	}
	return &Loop{source: source, extractor: extractor, actuator: actuator, opts: opts, shape: "windowed"}, nil
}

// NewEventLoop builds a loop that blocks on discrete labeled events from
// events.
func NewEventLoop(events EventSource, actuator Actuator, opts Options) (*Loop, error) {
	if events == nil || actuator == nil {
		return nil, errors.New("control: event source and actuator are required")
	}
	if err := validateOptions(&opts); err != nil {
		return nil, err
	}
	return &Loop{events: events, actuator: actuator, opts: opts, shape: "event"}, nil
}

func validateOptions(opts *Options) error {
	if opts.Threshold <= 0 || opts.Threshold > 1 {
		return errors.New("control: threshold must be in (0,1]")
	}
	if opts.MoveDuration <= 0 {
		return errors.New("control: move duration must be positive")
	}
	if opts.PollInterval < 0 {
		return errors.New("control: poll interval must not be negative")
	}
	if opts.MotionMode == "" {
		opts.MotionMode = "normal"
	}
	if opts.TriggerAction == "" {
		opts.TriggerAction = "push"
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return nil
}

// State returns the loop's current lifecycle state.
func (l *Loop) State() RunState {
	return RunState(l.state.Load())
}

func (l *Loop) setState(s RunState) {
	l.state.Store(int32(s))
}

// Run executes the full lifecycle: setup, cycles, teardown. It returns nil
// when the run ended by external cancellation or a clean end of stream, and
// the terminal error otherwise. Teardown runs exactly once on every exit
// path.
func (l *Loop) Run(ctx context.Context) (err error) {
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateSettingUpSource)) {
		return ErrLoopReused
	}

	defer func() {
		l.setState(StateShuttingDown)
		l.teardown()
		final := StateStopped
		if err != nil {
			final = StateFailed
		}
		l.setState(final)
		l.record(func(r Recorder) error { return r.RunEnded(final.String(), err) })
		monitoring.Logf("control: run ended in state %s after %d cycles", final, l.cycle)
	}()

	if err = l.setupSource(ctx); err != nil {
		return err
	}
	l.setState(StateSettingUpActuator)
	if err = l.setupActuator(ctx); err != nil {
		return err
	}
	l.setState(StateRunning)
	l.record(func(r Recorder) error { return r.RunStarted(l.shape) })
	monitoring.Logf("control: running (%s shape, threshold %.2f)", l.shape, l.opts.Threshold)

	if l.events != nil {
		err = l.runEvents(ctx)
	} else {
		err = l.runWindowed(ctx)
	}
	return err
}

func (l *Loop) setupSource(ctx context.Context) error {
	if l.events != nil {
		if err := l.events.Open(ctx); err != nil {
			return &SetupError{Stage: "source", Err: err}
		}
		l.sourceOpen = true
		if err := l.events.Subscribe(ctx); err != nil {
			return &SetupError{Stage: "source", Err: err}
		}
		return nil
	}

	if err := l.source.Open(ctx); err != nil {
		return &SetupError{Stage: "source", Err: err}
	}
	l.sourceOpen = true
	if err := l.source.StartStreaming(ctx); err != nil {
		return &SetupError{Stage: "source", Err: err}
	}
	l.streaming = true
	if err := l.extractor.Prepare(); err != nil {
		return &SetupError{Stage: "extractor", Err: err}
	}
	l.extractorReady = true
	return nil
}

func (l *Loop) setupActuator(ctx context.Context) error {
	if err := l.actuator.Connect(ctx); err != nil {
		return &SetupError{Stage: "actuator", Err: err}
	}
	l.actuatorUp = true
	// the motion mode is established exactly once, strictly before the first
	// movement dispatch
	if err := l.actuator.SetMode(ctx, l.opts.MotionMode); err != nil {
		return &SetupError{Stage: "mode", Err: err}
	}
	return nil
}

// runWindowed executes the poll/score/decide/dispatch cycle until ctx is
// cancelled. Poll and score failures are transient: logged, cycle continues.
func (l *Loop) runWindowed(ctx context.Context) error {
	for ctx.Err() == nil {
		l.cycle++

		window, err := l.source.Poll(ctx, l.opts.WindowSize)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			monitoring.Logf("control: %v", &StreamError{Cycle: l.cycle, Err: err})
			if !l.wait(ctx, l.opts.PollInterval) {
				break
			}
			continue
		}
		if emptyWindow(window) {
			if !l.wait(ctx, l.opts.PollInterval) {
				break
			}
			continue
		}

		score, err := l.extractor.Score(window)
		if err != nil {
			monitoring.Logf("control: %v", &StreamError{Cycle: l.cycle, Err: err})
			if !l.wait(ctx, l.opts.PollInterval) {
				break
			}
			continue
		}

		if score >= l.opts.Threshold {
			monitoring.Logf("control: score %.3f >= threshold %.3f on cycle %d", score, l.opts.Threshold, l.cycle)
			l.dispatch(ctx)
			continue
		}
		if !l.wait(ctx, l.opts.PollInterval) {
			break
		}
	}
	return nil
}

// runEvents blocks on the next labeled event and dispatches per qualifying
// event. A closed stream ends the run cleanly; other receive failures are
// transient.
func (l *Loop) runEvents(ctx context.Context) error {
	for ctx.Err() == nil {
		l.cycle++

		ev, err := l.events.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				break
			}
			if errors.Is(err, io.EOF) {
				monitoring.Logf("control: event stream closed on cycle %d", l.cycle)
				break
			}
			monitoring.Logf("control: %v", &StreamError{Cycle: l.cycle, Err: err})
			continue
		}

		if ev.Action == l.opts.TriggerAction && ev.Power >= l.opts.Threshold {
			monitoring.Logf("control: %q detected with power %.3f on cycle %d", ev.Action, ev.Power, l.cycle)
			l.dispatch(ctx)
		}
	}
	return nil
}

// dispatch issues exactly one move-then-stop pair on the actuator connection.
// The MoveDuration wait between the two is the documented bounded blocking
// window: cancellation during it does not skip the paired stop, which is sent
// on a context detached from cancellation so the actuator is not left moving.
// A failed move is not retried; the stop is attempted regardless.
func (l *Loop) dispatch(ctx context.Context) {
	moveOK := true
	if err := l.actuator.SendMove(ctx, l.opts.MoveSpeed, 0, 0); err != nil {
		moveOK = false
		monitoring.Logf("control: %v", &DispatchError{Cycle: l.cycle, Err: err})
	}
	l.record(func(r Recorder) error { return r.Dispatch(l.cycle, l.opts.MoveSpeed, 0, 0, moveOK) })

	<-l.opts.Clock.After(l.opts.MoveDuration)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	stopOK := true
	if err := l.actuator.SendMove(stopCtx, 0, 0, 0); err != nil {
		stopOK = false
		monitoring.Logf("control: %v", &DispatchError{Cycle: l.cycle, Err: err})
	}
	l.record(func(r Recorder) error { return r.Dispatch(l.cycle, 0, 0, 0, stopOK) })
}

// wait pauses for d or until ctx is cancelled. It reports false when the run
// should stop.
func (l *Loop) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-l.opts.Clock.After(d):
		return true
	}
}

// teardown releases acquired resources in fixed order: stop streaming,
// release the feature extractor, close the session, disconnect the actuator.
// Every step is attempted even when an earlier one failed; step failures are
// logged, never propagated.
func (l *Loop) teardown() {
	l.cleanupOnce.Do(func() {
		if l.streaming {
			if err := l.source.StopStreaming(); err != nil {
				monitoring.Logf("control: stop streaming: %v", err)
			}
		}
		if l.extractorReady {
			if err := l.extractor.Release(); err != nil {
				monitoring.Logf("control: release extractor: %v", err)
			}
		}
		if l.sourceOpen {
			var err error
			if l.events != nil {
				err = l.events.Close()
			} else {
				err = l.source.Close()
			}
			if err != nil {
				monitoring.Logf("control: close source: %v", err)
			}
		}
		if l.actuatorUp {
			if err := l.actuator.Disconnect(); err != nil {
				monitoring.Logf("control: disconnect actuator: %v", err)
			}
		}
	})
}

func (l *Loop) record(f func(Recorder) error) {
	if l.opts.Recorder == nil {
		return
	}
	if err := f(l.opts.Recorder); err != nil {
		monitoring.Logf("control: recorder: %v", err)
	}
}

func emptyWindow(window [][]float64) bool {
	if len(window) == 0 {
		return true
	}
	for _, ch := range window {
		if len(ch) > 0 {
			return false
		}
	}
	return true
}
