// Package realtime owns the websocket connection to the hosted realtime
// channel service. The Client maintains the socket, heartbeats it, and files
// reconnect intents when the server reports trouble or goes silent; the
// Supervisor consumes coalesced heal dispatches and performs the actual
// reconnection with backoff.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/keyframed/relayd/internal/diagnostics"
	"github.com/keyframed/relayd/internal/instrument"
	"github.com/keyframed/relayd/internal/reconnect"
)

// Heartbeat tuning. Package-level vars so tests can override.
var (
	defaultHeartbeat = 30 * time.Second
	silenceFactor    = 2 // intervals of silence before a reconnect intent
)

// frame is the wire shape of channel messages (Phoenix-style envelope).
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

// TokenFunc supplies the bearer token for the realtime endpoint. Called on
// every dial so rotated tokens are picked up without restart.
type TokenFunc func() (string, error)

// Client is the realtime channel connection.
type Client struct {
	mu            sync.Mutex
	url           string
	token         TokenFunc
	heartbeat     time.Duration
	diag          *diagnostics.Channel
	sched         *reconnect.Scheduler
	conn          *websocket.Conn
	connected     bool
	lastMessageAt time.Time
	cancelLoops   context.CancelFunc
	observer      func(event string, fields map[string]any)

	// injectable for tests
	dialFn func(ctx context.Context, url string, opts *websocket.DialOptions) (*websocket.Conn, *http.Response, error)
	nowFn  func() time.Time
}

// NewClient creates a Client for the given endpoint. heartbeat <= 0 uses the
// default interval.
func NewClient(url string, token TokenFunc, heartbeat time.Duration, diag *diagnostics.Channel, sched *reconnect.Scheduler) *Client {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &Client{
		url:       url,
		token:     token,
		heartbeat: heartbeat,
		diag:      diag,
		sched:     sched,
		dialFn:    websocket.Dial,
		nowFn:     time.Now,
	}
}

// SetSocketObserver registers (or clears, with nil) the lifecycle observer
// used by the websocket probe.
func (c *Client) SetSocketObserver(fn func(event string, fields map[string]any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = fn
}

func (c *Client) notify(event string, fields map[string]any) {
	c.mu.Lock()
	obs := c.observer
	c.mu.Unlock()
	if obs != nil {
		obs(event, fields)
	}
}

// Connect dials the realtime endpoint and starts the read and heartbeat
// loops. Returns an error if already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("realtime client already connected")
	}
	url := c.url
	dial := c.dialFn
	c.mu.Unlock()

	opts := &websocket.DialOptions{}
	if c.token != nil {
		tok, err := c.token()
		if err != nil {
			return fmt.Errorf("realtime token: %w", err)
		}
		if tok != "" {
			opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + tok}}
		}
	}

	conn, _, err := dial(ctx, url, opts)
	if err != nil {
		c.notify("dial failed", map[string]any{"url": url, "error": err.Error()})
		return fmt.Errorf("realtime dial: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastMessageAt = c.nowFn()
	c.cancelLoops = cancel
	c.mu.Unlock()

	c.notify("connected", map[string]any{"url": url})
	c.diag.Info("realtime", "channel connected", map[string]any{"url": url}, "realtime")

	instrument.Go("realtime-read", func() { c.readLoop(loopCtx, conn) })
	instrument.Go("realtime-heartbeat", func() { c.heartbeatLoop(loopCtx, conn) })
	return nil
}

// Close tears down the socket and stops the loops. Safe to call when not
// connected.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancelLoops
	wasConnected := c.connected
	c.conn = nil
	c.connected = false
	c.cancelLoops = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	if wasConnected {
		c.notify("closed", nil)
	}
	return nil
}

// Connected reports whether the socket is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// readLoop consumes frames until the socket dies. Server "down" frames file
// a high-priority reconnect intent; an unexpected read error files a medium
// one.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // deliberate close
			}
			c.markDisconnected()
			c.notify("socket closed", map[string]any{"error": err.Error()})
			c.sched.Request(reconnect.Intent{
				Source:   "realtime",
				Reason:   fmt.Sprintf("socket read failed: %v", err),
				Priority: reconnect.PriorityMedium,
			})
			return
		}

		c.mu.Lock()
		c.lastMessageAt = c.nowFn()
		c.mu.Unlock()

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.diag.Debug("realtime", "unparseable frame", map[string]any{"error": err.Error()}, "realtime")
			continue
		}
		c.handleFrame(f)
	}
}

// handleFrame reacts to channel control frames. Data frames are only
// logged; relayd supervises the connection, it does not consume the feed.
func (c *Client) handleFrame(f frame) {
	c.notify("frame", map[string]any{"topic": f.Topic, "event": f.Event})

	switch f.Event {
	case "phx_error", "system_down":
		// The channel layer reported itself down even though the socket
		// is still up
		c.diag.Warn("realtime", "channel reported down", map[string]any{
			"topic": f.Topic,
			"event": f.Event,
		}, "realtime")
		c.sched.Request(reconnect.Intent{
			Source:   "realtime",
			Reason:   fmt.Sprintf("channel %s reported %s", f.Topic, f.Event),
			Priority: reconnect.PriorityHigh,
		})
	case "phx_reply", "heartbeat":
		// Liveness only; lastMessageAt already stamped
	default:
		c.diag.Verbose("realtime", "frame received", map[string]any{
			"topic": f.Topic,
			"event": f.Event,
		}, "realtime")
	}
}

// heartbeatLoop pings the channel and files an intent when the server has
// been silent for too long.
func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	hb, _ := json.Marshal(frame{Topic: "phoenix", Event: "heartbeat"})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := conn.Write(writeCtx, websocket.MessageText, hb)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.markDisconnected()
			c.notify("heartbeat write failed", map[string]any{"error": err.Error()})
			c.sched.Request(reconnect.Intent{
				Source:   "heartbeat",
				Reason:   fmt.Sprintf("heartbeat write failed: %v", err),
				Priority: reconnect.PriorityMedium,
			})
			return
		}

		c.mu.Lock()
		silence := c.nowFn().Sub(c.lastMessageAt)
		c.mu.Unlock()
		if silence > time.Duration(silenceFactor)*c.heartbeat {
			c.notify("silence detected", map[string]any{"silence_ms": silence.Milliseconds()})
			c.sched.Request(reconnect.Intent{
				Source:   "heartbeat",
				Reason:   fmt.Sprintf("no server traffic for %s", silence.Truncate(time.Second)),
				Priority: reconnect.PriorityMedium,
			})
		}
	}
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}
