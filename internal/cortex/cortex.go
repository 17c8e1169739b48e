// Package cortex is a client for a Cortex-style mental-command service:
// JSON-RPC 2.0 over a websocket, with a subscription stream of discrete
// labeled detections. It implements the control loop's event-source contract.
package cortex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/mindlink-robotics/mindlink/internal/control"
	"github.com/mindlink-robotics/mindlink/internal/monitoring"
)

var _ control.EventSource = (*Client)(nil)

// TrainedAction is the mental command the profile is trained for.
const TrainedAction = "push"

// Params configure the service session.
type Params struct {
	// URL is the service endpoint, e.g. wss://localhost:6868.
	URL string
	// ClientID and ClientSecret authenticate the application.
	ClientID     string
	ClientSecret string
	// Profile names the training profile to load, created and trained on
	// first use. Defaults to "MindLink".
	Profile string
	// RequestTimeout bounds each RPC round trip. Defaults to 10s.
	RequestTimeout time.Duration
}

func (p *Params) withDefaults() Params {
	out := *p
	if out.Profile == "" {
		out.Profile = "MindLink"
	}
	if out.RequestTimeout == 0 {
		out.RequestTimeout = 10 * time.Second
	}
	return out
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// rpcError is the service-side failure payload.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcFrame is any inbound frame: a call response (ID set) or a stream sample
// (Com set).
type rpcFrame struct {
	ID     string            `json:"id,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  *rpcError         `json:"error,omitempty"`
	Sid    string            `json:"sid,omitempty"`
	Com    []json.RawMessage `json:"com,omitempty"`
}

// Client owns one authenticated session. It is exclusively owned by the
// control loop: setup calls and Next never overlap.
type Client struct {
	params Params

	mu         sync.Mutex
	ws         *websocket.Conn
	closed     bool
	subscribed bool

	token   string
	headset string
	session string
}

// New builds an unopened client.
func New(params Params) *Client {
	return &Client{params: params.withDefaults()}
}

// Open dials the service and walks the session handshake: request access,
// authorize, pick the first detected headset, connect it, create an active
// session, and make sure the training profile is loaded.
func (c *Client) Open(ctx context.Context) (err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("cortex: session already closed")
	}
	if c.ws != nil {
		c.mu.Unlock()
		return errors.New("cortex: session already open")
	}
	c.mu.Unlock()

	ws, _, err := websocket.Dial(ctx, c.params.URL, nil)
	if err != nil {
		return fmt.Errorf("cortex: dial %s: %w", c.params.URL, err)
	}
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	defer func() {
		// a half-built session is not handed to the caller
		if err != nil {
			ws.Close(websocket.StatusNormalClosure, "setup failed")
			c.mu.Lock()
			c.ws = nil
			c.mu.Unlock()
		}
	}()

	creds := map[string]string{"clientId": c.params.ClientID, "clientSecret": c.params.ClientSecret}
	if err = c.call(ctx, "requestAccess", creds, nil); err != nil {
		return fmt.Errorf("cortex: request access: %w", err)
	}

	var auth struct {
		CortexToken string `json:"cortexToken"`
	}
	if err = c.call(ctx, "authorize", creds, &auth); err != nil {
		return fmt.Errorf("cortex: authorize: %w", err)
	}
	c.token = auth.CortexToken

	var headsets []struct {
		ID string `json:"id"`
	}
	if err = c.call(ctx, "queryHeadsets", nil, &headsets); err != nil {
		return fmt.Errorf("cortex: query headsets: %w", err)
	}
	if len(headsets) == 0 {
		err = errors.New("cortex: no headset detected")
		return err
	}
	c.headset = headsets[0].ID

	if err = c.call(ctx, "controlDevice", map[string]string{"command": "connect", "headset": c.headset}, nil); err != nil {
		return fmt.Errorf("cortex: connect headset %s: %w", c.headset, err)
	}

	var sess struct {
		ID string `json:"id"`
	}
	sessParams := map[string]string{"cortexToken": c.token, "headset": c.headset, "status": "active"}
	if err = c.call(ctx, "createSession", sessParams, &sess); err != nil {
		return fmt.Errorf("cortex: create session: %w", err)
	}
	c.session = sess.ID

	if err = c.ensureProfile(ctx); err != nil {
		return err
	}
	return nil
}

// ensureProfile loads the configured training profile, creating and training
// it first when the service does not know it yet.
func (c *Client) ensureProfile(ctx context.Context) error {
	var profiles []struct {
		Name string `json:"name"`
	}
	if err := c.call(ctx, "queryProfile", map[string]string{"cortexToken": c.token}, &profiles); err != nil {
		return fmt.Errorf("cortex: query profiles: %w", err)
	}
	for _, p := range profiles {
		if p.Name == c.params.Profile {
			return c.setupProfile(ctx, "load")
		}
	}

	monitoring.Logf("cortex: profile %q not found, creating and training %q", c.params.Profile, TrainedAction)
	if err := c.setupProfile(ctx, "create"); err != nil {
		return err
	}
	training := map[string]string{
		"cortexToken": c.token,
		"session":     c.session,
		"detection":   "mentalCommand",
		"action":      TrainedAction,
		"status":      "start",
	}
	if err := c.call(ctx, "training", training, nil); err != nil {
		return fmt.Errorf("cortex: training: %w", err)
	}
	return c.setupProfile(ctx, "save")
}

func (c *Client) setupProfile(ctx context.Context, status string) error {
	params := map[string]string{
		"cortexToken": c.token,
		"headset":     c.headset,
		"profile":     c.params.Profile,
		"status":      status,
	}
	if err := c.call(ctx, "setupProfile", params, nil); err != nil {
		return fmt.Errorf("cortex: setup profile (%s): %w", status, err)
	}
	return nil
}

// Subscribe opens the mental-command stream.
func (c *Client) Subscribe(ctx context.Context) error {
	if c.conn() == nil {
		return errors.New("cortex: session not open")
	}
	params := map[string]interface{}{
		"cortexToken": c.token,
		"session":     c.session,
		"streams":     []string{"com"},
	}
	if err := c.call(ctx, "subscribe", params, nil); err != nil {
		return fmt.Errorf("cortex: subscribe: %w", err)
	}
	c.mu.Lock()
	c.subscribed = true
	c.mu.Unlock()
	return nil
}

// Next blocks until the next mental-command sample arrives. A normally
// closed stream surfaces as io.EOF; cancellation surfaces as ctx's error.
func (c *Client) Next(ctx context.Context) (control.Event, error) {
	ws := c.conn()
	if ws == nil {
		return control.Event{}, io.EOF
	}
	for {
		var frame rpcFrame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			if ctx.Err() != nil {
				return control.Event{}, ctx.Err()
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || c.isClosed() {
				return control.Event{}, io.EOF
			}
			return control.Event{}, fmt.Errorf("cortex: read stream: %w", err)
		}
		if len(frame.Com) < 2 {
			// late call responses and other streams are not ours to handle
			continue
		}
		var action string
		var power float64
		if err := json.Unmarshal(frame.Com[0], &action); err != nil {
			return control.Event{}, fmt.Errorf("cortex: bad com action: %w", err)
		}
		if err := json.Unmarshal(frame.Com[1], &power); err != nil {
			return control.Event{}, fmt.Errorf("cortex: bad com power: %w", err)
		}
		return control.Event{Action: action, Power: power}, nil
	}
}

// Close unsubscribes best-effort and closes the socket. Idempotent; the
// session is never reused after close.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	subscribed := c.subscribed
	c.mu.Unlock()

	if ws == nil {
		return nil
	}
	if subscribed {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		req := rpcRequest{JSONRPC: "2.0", ID: uuid.NewString(), Method: "unsubscribe", Params: map[string]interface{}{
			"cortexToken": c.token,
			"session":     c.session,
			"streams":     []string{"com"},
		}}
		// fire and forget; the session is going away either way
		if err := wsjson.Write(ctx, ws, req); err != nil {
			monitoring.Logf("cortex: unsubscribe: %v", err)
		}
		cancel()
	}
	err := ws.Close(websocket.StatusNormalClosure, "shutdown")
	if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		return fmt.Errorf("cortex: close: %w", err)
	}
	return nil
}

func (c *Client) conn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// call performs one RPC round trip, skipping interleaved stream frames while
// waiting for the matching response id.
func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	ws := c.conn()
	if ws == nil {
		return errors.New("session not open")
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.params.RequestTimeout)
	defer cancel()

	req := rpcRequest{JSONRPC: "2.0", ID: uuid.NewString(), Method: method, Params: params}
	if err := wsjson.Write(reqCtx, ws, req); err != nil {
		return err
	}
	for {
		var frame rpcFrame
		if err := wsjson.Read(reqCtx, ws, &frame); err != nil {
			return err
		}
		if frame.ID != req.ID {
			continue
		}
		if frame.Error != nil {
			return frame.Error
		}
		if result != nil && frame.Result != nil {
			if err := json.Unmarshal(frame.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}
