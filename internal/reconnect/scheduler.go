// Package reconnect turns many near-simultaneous "please reconnect the
// realtime channel" signals into at most one coalesced heal dispatch.
//
// Intents arrive from arbitrary call sites (auth events, probe pattern
// matches, heartbeat loss, manual API requests). Each new intent re-arms a
// short debounce timer so a burst coalesces into a single processing pass.
// A processing pass enforces a hard minimum interval between dispatches,
// picks the highest-priority earliest intent as primary, unions the sources
// and reasons of everything pending into the dispatch payload, and delivers
// one HealEvent to registered listeners.
package reconnect

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keyframed/relayd/internal/diagnostics"
)

// Scheduler timing. Package-level vars so tests can override.
var (
	debounceWindow = 1 * time.Second
	minInterval    = 5 * time.Second
)

// Priority orders reconnect intents. Higher priorities win primary
// selection regardless of arrival order.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// ParsePriority validates a priority name. Unknown names are an error so API
// callers get a 400 instead of a silently demoted intent.
func ParsePriority(name string) (Priority, error) {
	switch Priority(name) {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return Priority(name), nil
	}
	return PriorityLow, fmt.Errorf("unknown priority %q", name)
}

// Intent is one reconnect request. Intents are ephemeral: they live in the
// pending list until a processing pass consumes them.
type Intent struct {
	Source    string    `json:"source"`
	Reason    string    `json:"reason"`
	Priority  Priority  `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}

// HealEvent is the coalesced dispatch delivered to listeners. Source,
// Reason, and Priority come from the primary intent; the coalesced lists
// union every pending intent for diagnostics.
type HealEvent struct {
	DispatchID       string    `json:"dispatch_id"`
	Source           string    `json:"source"`
	Reason           string    `json:"reason"`
	Priority         Priority  `json:"priority"`
	CoalescedSources []string  `json:"coalesced_sources"`
	CoalescedReasons []string  `json:"coalesced_reasons"`
	IntentCount      int       `json:"intent_count"`
	Timestamp        time.Time `json:"timestamp"`
}

// Listener receives coalesced heal dispatches. Listeners are called
// synchronously — long-running handlers should spawn goroutines.
type Listener func(event HealEvent)

// Scheduler coalesces reconnect intents into rate-limited heal dispatches.
type Scheduler struct {
	mu             sync.Mutex
	diag           *diagnostics.Channel
	pending        []Intent
	lastDispatchAt time.Time
	processing     bool
	timer          *time.Timer
	listeners      []Listener
	subscribers    []chan HealEvent
	dispatchCount  int64
	stopped        bool

	// injectable clocks for testing
	nowFn   func() time.Time
	afterFn func(d time.Duration, fn func()) *time.Timer
}

// NewScheduler creates a Scheduler emitting diagnostics on diag.
func NewScheduler(diag *diagnostics.Channel) *Scheduler {
	return &Scheduler{
		diag:    diag,
		nowFn:   time.Now,
		afterFn: time.AfterFunc,
	}
}

// OnHeal registers a listener for coalesced heal dispatches.
func (s *Scheduler) OnHeal(listener Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// Subscribe returns a channel receiving every coalesced heal dispatch, for
// consumers that prefer a feed over a callback. Slow receivers never block
// a dispatch: events are dropped when the buffer is full. The channel is
// not closed by Stop.
func (s *Scheduler) Subscribe() <-chan HealEvent {
	ch := make(chan HealEvent, 16)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// Request files a reconnect intent and (re)arms the debounce timer. A zero
// Timestamp is stamped with the current time. Requests after Stop are
// dropped.
func (s *Scheduler) Request(intent Intent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if intent.Timestamp.IsZero() {
		intent.Timestamp = s.nowFn()
	}
	if intent.Priority == "" {
		intent.Priority = PriorityLow
	}
	s.pending = append(s.pending, intent)

	s.diag.Debug("reconnect", "intent filed", map[string]any{
		"source":   intent.Source,
		"reason":   intent.Reason,
		"priority": string(intent.Priority),
		"pending":  len(s.pending),
	}, "reconnect")

	// Every new intent extends the coalescing window
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.afterFn(debounceWindow, s.process)
}

// process runs one coalescing pass. It no-ops if a pass is already running
// or nothing is pending, and reschedules itself instead of dispatching when
// the minimum interval since the last dispatch has not elapsed.
func (s *Scheduler) process() {
	s.mu.Lock()

	if s.processing || len(s.pending) == 0 || s.stopped {
		s.mu.Unlock()
		return
	}

	now := s.nowFn()
	if !s.lastDispatchAt.IsZero() {
		if wait := minInterval - now.Sub(s.lastDispatchAt); wait > 0 {
			// Rate limited: try again once the interval has elapsed
			if s.timer != nil {
				s.timer.Stop()
			}
			s.timer = s.afterFn(wait, s.process)
			s.mu.Unlock()
			return
		}
	}

	s.processing = true
	event := s.coalesceLocked(now)
	s.pending = nil
	s.lastDispatchAt = now
	s.dispatchCount++
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	subscribers := make([]chan HealEvent, len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.processing = false
		s.mu.Unlock()
	}()

	s.diag.Info("reconnect", "dispatching coalesced heal", map[string]any{
		"dispatch_id": event.DispatchID,
		"source":      event.Source,
		"reason":      event.Reason,
		"priority":    string(event.Priority),
		"coalesced":   event.IntentCount,
	}, "reconnect")

	for _, l := range listeners {
		s.deliver(l, event)
	}
	for _, ch := range subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// deliver invokes one listener, containing panics so a broken listener
// cannot wedge the scheduler.
func (s *Scheduler) deliver(l Listener, event HealEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.diag.Error("reconnect", "heal listener panicked", map[string]any{
				"dispatch_id": event.DispatchID,
				"panic":       fmt.Sprint(r),
			}, "reconnect")
		}
	}()
	l(event)
}

// coalesceLocked builds the heal event from the pending intents. Caller
// holds s.mu and guarantees pending is non-empty.
func (s *Scheduler) coalesceLocked(now time.Time) HealEvent {
	sorted := make([]Intent, len(s.pending))
	copy(sorted, s.pending)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority.rank() != sorted[j].Priority.rank() {
			return sorted[i].Priority.rank() > sorted[j].Priority.rank()
		}
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	primary := sorted[0]
	return HealEvent{
		DispatchID:       uuid.NewString(),
		Source:           primary.Source,
		Reason:           primary.Reason,
		Priority:         primary.Priority,
		CoalescedSources: uniqueInOrder(sorted, func(in Intent) string { return in.Source }),
		CoalescedReasons: uniqueInOrder(sorted, func(in Intent) string { return in.Reason }),
		IntentCount:      len(sorted),
		Timestamp:        now,
	}
}

func uniqueInOrder(intents []Intent, key func(Intent) string) []string {
	seen := make(map[string]bool, len(intents))
	var out []string
	for _, in := range intents {
		k := key(in)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// Status is a snapshot of scheduler state for the HTTP API.
type Status struct {
	Pending        int       `json:"pending"`
	Processing     bool      `json:"processing"`
	LastDispatchAt time.Time `json:"last_dispatch_at"`
	DispatchCount  int64     `json:"dispatch_count"`
}

// Status returns a snapshot of the scheduler's state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Pending:        len(s.pending),
		Processing:     s.processing,
		LastDispatchAt: s.lastDispatchAt,
		DispatchCount:  s.dispatchCount,
	}
}

// Stop cancels any armed timer and drops queued intents. Further requests
// are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
