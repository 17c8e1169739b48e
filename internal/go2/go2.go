// Package go2 is a client for the quadruped's data-channel request interface:
// JSON frames addressed by topic and api id, each acknowledged by a response
// carrying the request id and a result code.
package go2

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/mindlink-robotics/mindlink/internal/control"
	"github.com/mindlink-robotics/mindlink/internal/monitoring"
)

var _ control.Actuator = (*Conn)(nil)

// ErrNotConnected is returned by commands issued before Connect.
var ErrNotConnected = errors.New("go2: not connected")

// Data-channel addressing, mirroring the robot's command vocabulary.
const (
	TopicMotionSwitcher = "rt/api/motion_switcher/request"
	TopicSport          = "rt/api/sport/request"

	APIModeSwitch = 1002
	APISportMove  = 1008
)

// Params configure the robot connection.
type Params struct {
	// URL is the robot's data-channel endpoint, e.g. ws://192.168.8.181:8081.
	URL string
	// AckTimeout bounds the wait for a request acknowledgement. Defaults to
	// 3s.
	AckTimeout time.Duration
	// ModeSettle is how long the robot needs after a mode switch before it
	// accepts movement commands. Defaults to 2s.
	ModeSettle time.Duration
}

func (p *Params) withDefaults() Params {
	out := *p
	if out.AckTimeout == 0 {
		out.AckTimeout = 3 * time.Second
	}
	if out.ModeSettle == 0 {
		out.ModeSettle = 2 * time.Second
	}
	return out
}

type request struct {
	Topic     string      `json:"topic"`
	ID        string      `json:"id"`
	APIID     int         `json:"api_id"`
	Parameter interface{} `json:"parameter,omitempty"`
}

type response struct {
	ID      string `json:"id"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// Conn owns one connection to the robot. Command round trips are serialized:
// the control loop is the single dispatcher, and the mutex preserves the
// move/stop ordering if a future caller ever shares the connection.
type Conn struct {
	params Params
	clock  clock

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
}

// clock is the subset of timeutil.Clock the connection needs.
type clock interface {
	After(d time.Duration) <-chan time.Time
}

// New builds an unconnected client.
func New(params Params, clk clock) *Conn {
	return &Conn{params: params.withDefaults(), clock: clk}
}

// Connect dials the robot's data channel.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("go2: connection already closed")
	}
	if c.ws != nil {
		return errors.New("go2: already connected")
	}
	ws, _, err := websocket.Dial(ctx, c.params.URL, nil)
	if err != nil {
		return fmt.Errorf("go2: dial %s: %w", c.params.URL, err)
	}
	c.ws = ws
	return nil
}

// SetMode switches the robot's motion mode and waits out the settle delay
// before returning, so movement commands issued afterwards are accepted. The
// settle wait observes ctx.
func (c *Conn) SetMode(ctx context.Context, name string) error {
	if err := c.publish(ctx, TopicMotionSwitcher, APIModeSwitch, map[string]string{"name": name}); err != nil {
		return fmt.Errorf("go2: set mode %q: %w", name, err)
	}
	select {
	case <-c.clock.After(c.params.ModeSettle):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendMove dispatches one velocity command.
func (c *Conn) SendMove(ctx context.Context, x, y, z float64) error {
	param := map[string]float64{"x": x, "y": y, "z": z}
	if err := c.publish(ctx, TopicSport, APISportMove, param); err != nil {
		return fmt.Errorf("go2: move (%.2f,%.2f,%.2f): %w", x, y, z, err)
	}
	return nil
}

// publish sends one request and waits for its acknowledgement.
func (c *Conn) publish(ctx context.Context, topic string, apiID int, parameter interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil || c.closed {
		return ErrNotConnected
	}

	ackCtx, cancel := context.WithTimeout(ctx, c.params.AckTimeout)
	defer cancel()

	req := request{
		Topic:     topic,
		ID:        uuid.NewString(),
		APIID:     apiID,
		Parameter: parameter,
	}
	if err := wsjson.Write(ackCtx, c.ws, req); err != nil {
		return err
	}

	for {
		var resp response
		if err := wsjson.Read(ackCtx, c.ws, &resp); err != nil {
			return fmt.Errorf("awaiting ack: %w", err)
		}
		if resp.ID != req.ID {
			// stale ack from an earlier timed-out request
			monitoring.Logf("go2: dropping unmatched ack %s", resp.ID)
			continue
		}
		if resp.Code != 0 {
			return fmt.Errorf("request rejected: code %d %s", resp.Code, resp.Message)
		}
		return nil
	}
}

// Disconnect closes the connection. Idempotent; the connection is never
// reused after close.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.ws == nil {
		return nil
	}
	err := c.ws.Close(websocket.StatusNormalClosure, "shutdown")
	c.ws = nil
	if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		return fmt.Errorf("go2: close: %w", err)
	}
	return nil
}
