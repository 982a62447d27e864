// supervisor.go performs the actual reconnection when the scheduler
// dispatches a coalesced heal event. Reconnection retries with exponential
// backoff (1s → 2s → 4s → 8s → 16s cap) and is guarded by a rate limiter so
// a flapping channel cannot turn into a connection storm.
//
// Connection state changes (connected, reconnecting, reconnected, failed)
// are emitted to registered EventListeners and kept in a bounded event log
// for the HTTP API.

package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/keyframed/relayd/internal/diagnostics"
	"github.com/keyframed/relayd/internal/instrument"
	"github.com/keyframed/relayd/internal/reconnect"
)

// Reconnection backoff configuration. Package-level vars so tests can override.
var (
	reconnectInitialBackoff = 1 * time.Second
	reconnectMaxBackoff     = 16 * time.Second
	reconnectDefaultRetries = 10
)

// EventType identifies the type of connection state change event.
type EventType string

const (
	EventConnected       EventType = "connected"
	EventDisconnected    EventType = "disconnected"
	EventReconnecting    EventType = "reconnecting"
	EventReconnected     EventType = "reconnected"
	EventReconnectFailed EventType = "reconnect_failed"
	EventRateLimited     EventType = "rate_limited"
)

// ConnectionEvent represents a connection state change.
type ConnectionEvent struct {
	Type      EventType `json:"type"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// EventListener is a callback for connection state change events.
// Listeners are called synchronously — long-running handlers should spawn
// goroutines.
type EventListener func(event ConnectionEvent)

// maxStoredEvents bounds the supervisor's event log.
const maxStoredEvents = 100

// Connection is the surface the supervisor drives. *Client satisfies it.
type Connection interface {
	Connect(ctx context.Context) error
	Close() error
	Connected() bool
}

// Supervisor owns reconnection for a single realtime connection.
type Supervisor struct {
	mu        sync.Mutex
	conn      Connection
	diag      *diagnostics.Channel
	limiter   *RateLimiter
	events    []ConnectionEvent
	listeners []EventListener
	healing   bool
	retries   int

	nowFn func() time.Time
}

// NewSupervisor creates a Supervisor for conn with default retry settings.
func NewSupervisor(conn Connection, limiter *RateLimiter, diag *diagnostics.Channel) *Supervisor {
	return &Supervisor{
		conn:    conn,
		diag:    diag,
		limiter: limiter,
		retries: reconnectDefaultRetries,
		nowFn:   time.Now,
	}
}

// Attach subscribes the supervisor to the scheduler's heal dispatches.
func (s *Supervisor) Attach(sched *reconnect.Scheduler) {
	sched.OnHeal(func(e reconnect.HealEvent) {
		s.TriggerHeal(context.Background(), e)
	})
}

// OnEvent registers a listener for connection state change events.
func (s *Supervisor) OnEvent(listener EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// TriggerHeal starts an asynchronous heal for a dispatch. Only one heal runs
// at a time; dispatches arriving mid-heal are dropped (the scheduler's
// minimum interval makes overlap rare, and a running heal already covers
// them).
func (s *Supervisor) TriggerHeal(ctx context.Context, e reconnect.HealEvent) {
	s.mu.Lock()
	if s.healing {
		s.mu.Unlock()
		s.diag.Debug("supervisor", "heal already in progress, dropping dispatch", map[string]any{
			"dispatch_id": e.DispatchID,
		}, "reconnect")
		return
	}
	s.healing = true
	s.mu.Unlock()

	instrument.Go("realtime-heal", func() {
		defer func() {
			s.mu.Lock()
			s.healing = false
			s.mu.Unlock()
		}()
		if err := s.heal(ctx, e); err != nil {
			s.diag.Error("supervisor", "heal failed", map[string]any{
				"dispatch_id": e.DispatchID,
				"error":       err.Error(),
			}, "reconnect")
		}
	})
}

// heal reconnects with exponential backoff. It blocks until reconnection
// succeeds, retries are exhausted, or the context is cancelled.
func (s *Supervisor) heal(ctx context.Context, e reconnect.HealEvent) error {
	if err := s.limiter.Allow("realtime"); err != nil {
		s.emit(EventRateLimited, err.Error())
		return fmt.Errorf("heal denied: %w", err)
	}

	reason := fmt.Sprintf("%s: %s", e.Source, e.Reason)
	s.emit(EventReconnecting, reason)

	// Drop the stale connection before dialing fresh
	s.conn.Close()

	backoff := reconnectInitialBackoff
	var lastErr error

	for attempt := 1; attempt <= s.retries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.conn.Connect(ctx); err != nil {
			lastErr = fmt.Errorf("connect (attempt %d): %w", attempt, err)
			s.limiter.RecordFailure("realtime")
			s.diag.Warn("supervisor", "reconnect attempt failed", map[string]any{
				"attempt": attempt,
				"retries": s.retries,
				"error":   err.Error(),
			}, "reconnect")
		} else {
			s.limiter.RecordSuccess("realtime")
			s.emit(EventReconnected, fmt.Sprintf("reconnected after %d attempt(s) (reason: %s)", attempt, reason))
			return nil
		}

		if attempt < s.retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > reconnectMaxBackoff {
				backoff = reconnectMaxBackoff
			}
		}
	}

	s.emit(EventReconnectFailed, fmt.Sprintf("gave up after %d attempts: %v", s.retries, lastErr))
	return fmt.Errorf("reconnect failed after %d attempts: %w", s.retries, lastErr)
}

// emit records a connection event and notifies listeners.
func (s *Supervisor) emit(eventType EventType, details string) {
	event := ConnectionEvent{
		Type:      eventType,
		Details:   details,
		Timestamp: s.nowFn(),
	}

	s.mu.Lock()
	s.events = append(s.events, event)
	if len(s.events) > maxStoredEvents {
		s.events = s.events[len(s.events)-maxStoredEvents:]
	}
	listeners := make([]EventListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	s.diag.Info("supervisor", string(eventType), map[string]any{"details": details}, "reconnect")

	for _, l := range listeners {
		l(event)
	}
}

// Events returns a copy of the stored connection events, oldest first.
func (s *Supervisor) Events() []ConnectionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConnectionEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Healing reports whether a heal is currently in progress.
func (s *Supervisor) Healing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healing
}

// Connected reports the underlying connection's state.
func (s *Supervisor) Connected() bool {
	return s.conn.Connected()
}
