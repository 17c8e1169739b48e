package cortex

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/go-cmp/cmp"

	"github.com/mindlink-robotics/mindlink/internal/control"
	"github.com/mindlink-robotics/mindlink/internal/monitoring"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

type fakeCall struct {
	Method string
	Params map[string]interface{}
}

// fakeCortex speaks just enough of the service protocol to walk a client
// through the handshake and feed it a scripted mental-command stream.
type fakeCortex struct {
	srv *httptest.Server

	profiles        []string
	headsets        []string
	failMethod      string
	events          []control.Event
	closeAfterFeeds bool

	mu    sync.Mutex
	calls []fakeCall
}

func newFakeCortex(t *testing.T) *fakeCortex {
	t.Helper()
	f := &fakeCortex{
		profiles: []string{"MindLink"},
		headsets: []string{"EPOCX-1234"},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		f.serve(r.Context(), ws)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCortex) serve(ctx context.Context, ws *websocket.Conn) {
	for {
		var req struct {
			ID     string                 `json:"id"`
			Method string                 `json:"method"`
			Params map[string]interface{} `json:"params"`
		}
		if err := wsjson.Read(ctx, ws, &req); err != nil {
			return
		}
		f.mu.Lock()
		f.calls = append(f.calls, fakeCall{Method: req.Method, Params: req.Params})
		f.mu.Unlock()

		if req.Method == f.failMethod {
			frame := map[string]interface{}{
				"id":    req.ID,
				"error": map[string]interface{}{"code": -32001, "message": "scripted failure"},
			}
			if err := wsjson.Write(ctx, ws, frame); err != nil {
				return
			}
			continue
		}

		var result interface{}
		switch req.Method {
		case "authorize":
			result = map[string]string{"cortexToken": "tok-1"}
		case "queryHeadsets":
			var out []map[string]string
			for _, h := range f.headsets {
				out = append(out, map[string]string{"id": h})
			}
			result = out
		case "createSession":
			result = map[string]string{"id": "sess-1"}
		case "queryProfile":
			var out []map[string]string
			for _, p := range f.profiles {
				out = append(out, map[string]string{"name": p})
			}
			result = out
		default:
			result = map[string]interface{}{}
		}
		if err := wsjson.Write(ctx, ws, map[string]interface{}{"id": req.ID, "result": result}); err != nil {
			return
		}

		if req.Method == "subscribe" {
			// a non-com stream sample the client must skip
			if err := wsjson.Write(ctx, ws, map[string]interface{}{"sid": "sess-1", "pow": []float64{1, 2, 3}}); err != nil {
				return
			}
			for _, ev := range f.events {
				frame := map[string]interface{}{"sid": "sess-1", "com": []interface{}{ev.Action, ev.Power}}
				if err := wsjson.Write(ctx, ws, frame); err != nil {
					return
				}
			}
			if f.closeAfterFeeds {
				ws.Close(websocket.StatusNormalClosure, "stream done")
				return
			}
		}
	}
}

func (f *fakeCortex) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeCortex) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Method
	}
	return out
}

func (f *fakeCortex) profileStatuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.Method == "setupProfile" {
			status, _ := c.Params["status"].(string)
			out = append(out, status)
		}
	}
	return out
}

func testClient(f *fakeCortex) *Client {
	return New(Params{
		URL:            f.url(),
		ClientID:       "client-id",
		ClientSecret:   "client-secret",
		RequestTimeout: 2 * time.Second,
	})
}

func TestOpenHandshake(t *testing.T) {
	f := newFakeCortex(t)
	c := testClient(f)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer c.Close()

	want := []string{"requestAccess", "authorize", "queryHeadsets", "controlDevice", "createSession", "queryProfile", "setupProfile"}
	if diff := cmp.Diff(want, f.methods()); diff != "" {
		t.Errorf("handshake sequence mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"load"}, f.profileStatuses()); diff != "" {
		t.Errorf("profile statuses mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenTrainsMissingProfile(t *testing.T) {
	f := newFakeCortex(t)
	f.profiles = nil
	c := testClient(f)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer c.Close()

	if diff := cmp.Diff([]string{"create", "save"}, f.profileStatuses()); diff != "" {
		t.Errorf("profile statuses mismatch (-want +got):\n%s", diff)
	}
	var trained bool
	for _, m := range f.methods() {
		if m == "training" {
			trained = true
		}
	}
	if !trained {
		t.Errorf("missing profile was not trained: %v", f.methods())
	}
}

func TestOpenNoHeadset(t *testing.T) {
	f := newFakeCortex(t)
	f.headsets = nil
	c := testClient(f)
	err := c.Open(context.Background())
	if err == nil || !strings.Contains(err.Error(), "no headset") {
		t.Errorf("Open() = %v, want headset-detection failure", err)
	}
}

func TestOpenRPCFailure(t *testing.T) {
	f := newFakeCortex(t)
	f.failMethod = "authorize"
	c := testClient(f)
	err := c.Open(context.Background())
	if err == nil || !strings.Contains(err.Error(), "authorize") {
		t.Fatalf("Open() = %v, want authorize failure", err)
	}
	// a failed open leaves no session behind
	if err := c.Subscribe(context.Background()); err == nil {
		t.Error("Subscribe after failed Open should fail")
	}
}

func TestSubscribeAndNext(t *testing.T) {
	f := newFakeCortex(t)
	f.events = []control.Event{
		{Action: "push", Power: 0.83},
		{Action: "neutral", Power: 0.1},
	}
	f.closeAfterFeeds = true

	c := testClient(f)
	ctx := context.Background()
	if err := c.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe() = %v", err)
	}

	var got []control.Event
	for {
		ev, err := c.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next() = %v", err)
		}
		got = append(got, ev)
	}
	if diff := cmp.Diff(f.events, got); diff != "" {
		t.Errorf("event stream mismatch (-want +got):\n%s", diff)
	}
}

func TestNextHonorsCancellation(t *testing.T) {
	f := newFakeCortex(t)
	c := testClient(f)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Subscribe(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// the stream is idle, so Next blocks until the deadline
	if _, err := c.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Next with expiring ctx = %v, want deadline exceeded", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	f := newFakeCortex(t)
	c := testClient(f)
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Subscribe(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() = %v", err)
	}
	// the session is never reused after close
	if _, err := c.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Next after Close = %v, want io.EOF", err)
	}
	if err := c.Open(context.Background()); err == nil {
		t.Error("Open after Close should fail")
	}
}
