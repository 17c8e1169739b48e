// Package board adapts a line-protocol EEG acquisition board on a serial port
// to the control loop's windowed signal-source contract. One sample per line,
// comma-separated channel values.
package board

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/mindlink-robotics/mindlink/internal/control"
	"github.com/mindlink-robotics/mindlink/internal/monitoring"
)

var _ control.SignalSource = (*Board)(nil)

// ErrNotOpen is returned by operations that require an open session.
var ErrNotOpen = errors.New("board: session not open")

// Params configure the board session.
type Params struct {
	// PortName is the serial device path, e.g. /dev/ttyUSB0.
	PortName string
	// BaudRate defaults to 115200.
	BaudRate int
	// Channels is the expected channel count per sample line. Defaults to 8.
	Channels int
	// BufferSamples bounds the sample ring buffer. Defaults to 1024.
	BufferSamples int
	// SamplingRateHz is forwarded to the device at open. Defaults to 250.
	SamplingRateHz int
}

func (p *Params) withDefaults() Params {
	out := *p
	if out.BaudRate == 0 {
		out.BaudRate = 115200
	}
	if out.Channels == 0 {
		out.Channels = 8
	}
	if out.BufferSamples == 0 {
		out.BufferSamples = 1024
	}
	if out.SamplingRateHz == 0 {
		out.SamplingRateHz = 250
	}
	return out
}

// Board owns one acquisition session on a serial port. It is exclusively
// owned by the control loop; only Poll is expected to race with the internal
// reader goroutine, which the sample buffer lock covers.
type Board struct {
	params Params
	opener PortOpener

	mu        sync.Mutex
	port      Port
	samples   [][]float64 // ring of recent samples, one slice per channel
	buffered  int
	streaming bool
	closed    bool

	readerDone chan struct{}
	stopReader context.CancelFunc
}

// New builds a Board that opens a real serial port.
func New(params Params) *Board {
	return NewWithOpener(params, OpenSerial)
}

// NewWithOpener injects the port opener, enabling tests and synthetic ports.
func NewWithOpener(params Params, opener PortOpener) *Board {
	p := params.withDefaults()
	samples := make([][]float64, p.Channels)
	return &Board{params: p, opener: opener, samples: samples}
}

// Open opens the serial port and sends the device init commands: reset,
// sample rate, channel mask.
func (b *Board) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("board: session already closed")
	}
	if b.port != nil {
		return errors.New("board: session already open")
	}

	port, err := b.opener(b.params.PortName, b.params.BaudRate)
	if err != nil {
		return fmt.Errorf("board: open %s: %w", b.params.PortName, err)
	}
	b.port = port

	for _, command := range []string{
		"v", // soft reset to a known state
		fmt.Sprintf("~%d", b.params.SamplingRateHz), // sample rate
		fmt.Sprintf("c%d", b.params.Channels),       // active channel count
	} {
		if err := b.writeCommand(command); err != nil {
			port.Close()
			b.port = nil
			return fmt.Errorf("board: init command %q: %w", command, err)
		}
	}
	return nil
}

// StartStreaming sends the stream-start command and launches the reader
// goroutine that parses sample lines into the ring buffer.
func (b *Board) StartStreaming(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return ErrNotOpen
	}
	if b.streaming {
		return errors.New("board: already streaming")
	}
	if err := b.writeCommand("b"); err != nil {
		return fmt.Errorf("board: start streaming: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	b.stopReader = cancel
	b.readerDone = make(chan struct{})
	b.streaming = true

	// the scanner's blocking reads end when the port closes; the ctx guard
	// stops buffering as soon as streaming is stopped
	go b.readLoop(readCtx, b.port)
	return nil
}

func (b *Board) readLoop(ctx context.Context, port Port) {
	defer close(b.readerDone)
	scan := bufio.NewScanner(port)
	for scan.Scan() {
		if ctx.Err() != nil {
			return
		}
		sample, err := parseSample(scan.Text(), b.params.Channels)
		if err != nil {
			// malformed lines are transient noise on the wire
			monitoring.Logf("board: %v", err)
			continue
		}
		b.push(sample)
	}
	if err := scan.Err(); err != nil && ctx.Err() == nil {
		monitoring.Logf("board: reader stopped: %v", err)
	}
}

func (b *Board) push(sample []float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.samples {
		b.samples[ch] = append(b.samples[ch], sample[ch])
		if len(b.samples[ch]) > b.params.BufferSamples {
			b.samples[ch] = b.samples[ch][len(b.samples[ch])-b.params.BufferSamples:]
		}
	}
	if b.buffered < b.params.BufferSamples {
		b.buffered++
	}
}

// Poll returns a copy of the most recent windowSize samples per channel, or
// an empty window when fewer samples are buffered. It never blocks.
func (b *Board) Poll(ctx context.Context, windowSize int) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if windowSize <= 0 {
		return nil, fmt.Errorf("board: invalid window size %d", windowSize)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return nil, ErrNotOpen
	}
	if b.buffered < windowSize {
		return nil, nil
	}
	window := make([][]float64, len(b.samples))
	for ch := range b.samples {
		n := len(b.samples[ch])
		window[ch] = append([]float64(nil), b.samples[ch][n-windowSize:]...)
	}
	return window, nil
}

// StopStreaming sends the stream-stop command and halts buffering. Idempotent.
func (b *Board) StopStreaming() error {
	b.mu.Lock()
	if !b.streaming {
		b.mu.Unlock()
		return nil
	}
	b.streaming = false
	b.stopReader()
	err := b.writeCommand("s")
	b.mu.Unlock()

	if err != nil {
		return fmt.Errorf("board: stop streaming: %w", err)
	}
	return nil
}

// Close stops streaming if needed and closes the port. Idempotent; the
// session is never reused after close.
func (b *Board) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.streaming {
		b.streaming = false
		b.stopReader()
	}
	port := b.port
	b.port = nil
	done := b.readerDone
	b.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}
	// closing the port unblocks the scanner; wait for the reader to finish
	if done != nil {
		<-done
	}
	if err != nil {
		return fmt.Errorf("board: close: %w", err)
	}
	return nil
}

func (b *Board) writeCommand(command string) error {
	if b.port == nil {
		return ErrNotOpen
	}
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := b.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return errors.New("short write")
	}
	return nil
}

// parseSample parses one comma-separated sample line into channel values.
func parseSample(line string, channels int) ([]float64, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, errors.New("empty sample line")
	}
	fields := strings.Split(line, ",")
	if len(fields) != channels {
		return nil, fmt.Errorf("sample line has %d fields, want %d: %q", len(fields), channels, line)
	}
	sample := make([]float64, channels)
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("bad sample value %q: %w", f, err)
		}
		sample[i] = v
	}
	return sample, nil
}
