package board

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"

	"go.bug.st/serial"
)

// Port is the minimal serial-port surface the board needs. The abstraction
// enables unit testing without real acquisition hardware.
type Port interface {
	io.ReadWriter
	io.Closer
}

// PortOpener opens a Port for the named device at the given baud rate.
type PortOpener func(name string, baudRate int) (Port, error)

// OpenSerial opens a real serial port in 8N1 mode.
func OpenSerial(name string, baudRate int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return serial.Open(name, mode)
}

// SyntheticPort emits synthetic multi-channel sample lines at the configured
// sampling rate, standing in for real hardware in dev mode. Written commands
// are discarded.
type SyntheticPort struct {
	reader *io.PipeReader
	writer *io.PipeWriter
}

// NewSyntheticPort starts the generator goroutine. The signal is a 20 Hz
// carrier with additive noise, so a band-power extractor scores it high.
func NewSyntheticPort(channels, samplingRateHz int) *SyntheticPort {
	r, w := io.Pipe()
	p := &SyntheticPort{reader: r, writer: w}

	interval := time.Second / time.Duration(samplingRateHz)
	go func() {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		n := 0
		for range ticker.C {
			line := ""
			t := float64(n) / float64(samplingRateHz)
			for ch := 0; ch < channels; ch++ {
				if ch > 0 {
					line += ","
				}
				v := math.Sin(2*math.Pi*20*t) + 0.2*rng.NormFloat64()
				line += fmt.Sprintf("%.4f", v)
			}
			n++
			if _, err := io.WriteString(w, line+"\n"); err != nil {
				return
			}
		}
	}()
	return p
}

func (p *SyntheticPort) Read(buf []byte) (int, error) { return p.reader.Read(buf) }

// Write discards board commands; the synthetic device has no modes.
func (p *SyntheticPort) Write(buf []byte) (int, error) { return len(buf), nil }

// Close tears the pipe down, which also stops the generator goroutine.
func (p *SyntheticPort) Close() error {
	p.reader.Close()
	return p.writer.Close()
}

// SyntheticOpener returns a PortOpener that ignores the device path and
// serves a SyntheticPort instead, mirroring how a real opener is injected.
func SyntheticOpener(channels, samplingRateHz int) PortOpener {
	return func(string, int) (Port, error) {
		return NewSyntheticPort(channels, samplingRateHz), nil
	}
}
