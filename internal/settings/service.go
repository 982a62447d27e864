// Package settings resolves and persists per-tool configuration. A tool's
// effective settings are the merge of up to four scope layers, later scopes
// winning per key: defaults → user → project → shot.
//
// Writes are debounced: rapid edits to the same tool+scope coalesce into one
// row update after a quiet period, with a Flush for shutdown. Fetch and save
// errors are classified (see errors.go) and handled per class.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/keyframed/relayd/internal/database"
	"github.com/keyframed/relayd/internal/diagnostics"
	"gorm.io/gorm"
)

// saveDebounce is how long the writer waits for further edits before
// flushing a pending save. Package-level var so tests can override.
var saveDebounce = 1 * time.Second

// Store abstracts the tool-settings rows so the service can be tested
// without a database.
type Store interface {
	GetToolSetting(tool, scope, scopeID string) (string, error)
	SetToolSetting(tool, scope, scopeID, payload string) error
	DeleteToolSetting(tool, scope, scopeID string) error
}

// DBStore is the production Store backed by the sqlite database.
type DBStore struct{}

func (DBStore) GetToolSetting(tool, scope, scopeID string) (string, error) {
	return database.GetToolSetting(tool, scope, scopeID)
}

func (DBStore) SetToolSetting(tool, scope, scopeID, payload string) error {
	return database.SetToolSetting(tool, scope, scopeID, payload)
}

func (DBStore) DeleteToolSetting(tool, scope, scopeID string) error {
	return database.DeleteToolSetting(tool, scope, scopeID)
}

// ErrNotFound is returned by Store implementations when a scope layer has
// never been written. The gorm store returns gorm.ErrRecordNotFound, which
// resolution treats the same way.
var ErrNotFound = errors.New("settings layer not found")

// Query identifies one resolution: a tool plus the scope IDs in effect.
// Empty IDs skip their layer.
type Query struct {
	Tool      string
	UserID    string
	ProjectID string
	ShotID    string
}

func (q Query) cacheKey() string {
	return q.Tool + "|" + q.UserID + "|" + q.ProjectID + "|" + q.ShotID
}

type pendingSave struct {
	tool    string
	scope   string
	scopeID string
	payload map[string]any
	timer   *time.Timer
}

// Service resolves and persists tool settings.
type Service struct {
	mu           sync.Mutex
	store        Store
	diag         *diagnostics.Channel
	cache        map[string]map[string]any
	pending      map[string]*pendingSave
	backoffUntil time.Time
	observer     func(op, tool, scope, scopeID string)

	// injectable for tests
	nowFn   func() time.Time
	afterFn func(d time.Duration, fn func()) *time.Timer
}

// NewService creates a settings Service over the given store.
func NewService(store Store, diag *diagnostics.Channel) *Service {
	return &Service{
		store:   store,
		diag:    diag,
		cache:   make(map[string]map[string]any),
		pending: make(map[string]*pendingSave),
		nowFn:   time.Now,
		afterFn: time.AfterFunc,
	}
}

// SetMutationObserver registers (or clears, with nil) the observer used by
// the storage probe. It is called for every persisted save and delete.
func (s *Service) SetMutationObserver(fn func(op, tool, scope, scopeID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

func (s *Service) notify(op, tool, scope, scopeID string) {
	s.mu.Lock()
	obs := s.observer
	s.mu.Unlock()
	if obs != nil {
		obs(op, tool, scope, scopeID)
	}
}

// Resolve returns the effective settings for a query, merging scope layers
// in precedence order. Results are cached until a save or a generic error
// invalidates them.
func (s *Service) Resolve(q Query) (map[string]any, error) {
	key := q.cacheKey()

	s.mu.Lock()
	if cached, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return cloneMap(cached), nil
	}
	inBackoff := s.nowFn().Before(s.backoffUntil)
	s.mu.Unlock()

	if inBackoff {
		// Previous exhaustion: don't hammer the store, serve defaults only
		merged, err := s.fetchLayer(q.Tool, database.ScopeDefault, "")
		if err != nil {
			return map[string]any{}, nil
		}
		return merged, nil
	}

	layers := []struct {
		scope   string
		scopeID string
	}{
		{database.ScopeDefault, ""},
		{database.ScopeUser, q.UserID},
		{database.ScopeProject, q.ProjectID},
		{database.ScopeShot, q.ShotID},
	}

	merged := make(map[string]any)
	for _, layer := range layers {
		if layer.scope != database.ScopeDefault && layer.scopeID == "" {
			continue
		}
		payload, err := s.fetchLayer(q.Tool, layer.scope, layer.scopeID)
		if err != nil {
			if handled, herr := s.handleFetchError(q, layer.scope, err, merged); handled != nil || herr != nil {
				return handled, herr
			}
			continue
		}
		for k, v := range payload {
			merged[k] = v
		}
	}

	s.mu.Lock()
	s.cache[key] = cloneMap(merged)
	s.mu.Unlock()
	return merged, nil
}

// fetchLayer loads and parses one scope layer. Missing layers return an
// empty map with no error.
func (s *Service) fetchLayer(tool, scope, scopeID string) (map[string]any, error) {
	payload, err := s.store.GetToolSetting(tool, scope, scopeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, ErrNotFound) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	out := make(map[string]any)
	if payload == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return nil, fmt.Errorf("parse %s/%s settings: %w", tool, scope, err)
	}
	return out, nil
}

// handleFetchError applies the per-class policy. Returning a non-nil map or
// error ends resolution; (nil, nil) means skip the layer and continue.
func (s *Service) handleFetchError(q Query, scope string, err error, mergedSoFar map[string]any) (map[string]any, error) {
	switch Classify(err) {
	case ErrKindCancelled:
		// Superseded request: silence, deliver nothing new
		return mergedSoFar, nil
	case ErrKindAuthTimeout:
		s.diag.Warn("settings", "auth timeout resolving settings, falling back to defaults", map[string]any{
			"tool":  q.Tool,
			"scope": scope,
		}, "settings")
		return mergedSoFar, nil
	case ErrKindExhausted:
		s.mu.Lock()
		s.backoffUntil = s.nowFn().Add(30 * time.Second)
		s.mu.Unlock()
		s.diag.Warn("settings", "store exhausted, backing off", map[string]any{
			"tool": q.Tool,
		}, "settings")
		return mergedSoFar, nil
	default:
		s.invalidate(q.Tool)
		s.diag.Error("settings", "settings fetch failed", map[string]any{
			"tool":  q.Tool,
			"scope": scope,
			"error": err.Error(),
		}, "settings")
		return nil, err
	}
}

// Save schedules a debounced write of payload to one tool+scope layer.
// Repeated saves to the same layer within the debounce window replace the
// pending payload and reset the timer.
func (s *Service) Save(tool, scope, scopeID string, payload map[string]any) {
	key := tool + "|" + scope + "|" + scopeID

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[key]; ok {
		p.payload = payload
		p.timer.Stop()
		p.timer = s.afterFn(saveDebounce, func() { s.flushKey(key) })
		return
	}

	p := &pendingSave{tool: tool, scope: scope, scopeID: scopeID, payload: payload}
	p.timer = s.afterFn(saveDebounce, func() { s.flushKey(key) })
	s.pending[key] = p
}

// SaveNow writes one layer immediately, bypassing the debounce.
func (s *Service) SaveNow(tool, scope, scopeID string, payload map[string]any) error {
	return s.write(tool, scope, scopeID, payload)
}

// flushKey persists one pending save.
func (s *Service) flushKey(key string) {
	s.mu.Lock()
	p, ok := s.pending[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	s.mu.Unlock()

	if err := s.write(p.tool, p.scope, p.scopeID, p.payload); err != nil {
		s.diag.Error("settings", "debounced save failed", map[string]any{
			"tool":  p.tool,
			"scope": p.scope,
			"error": err.Error(),
		}, "settings")
	}
}

// Flush persists every pending save. Called on shutdown so edits made just
// before exit are not lost.
func (s *Service) Flush() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.pending))
	for key, p := range s.pending {
		p.timer.Stop()
		keys = append(keys, key)
	}
	s.mu.Unlock()

	for _, key := range keys {
		s.flushKey(key)
	}
}

// write persists one layer and invalidates cached resolutions for the tool.
func (s *Service) write(tool, scope, scopeID string, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s settings: %w", tool, err)
	}
	if err := s.store.SetToolSetting(tool, scope, scopeID, string(b)); err != nil {
		kind := Classify(err)
		if kind == ErrKindCancelled {
			return nil
		}
		return fmt.Errorf("save %s/%s settings: %w", tool, scope, err)
	}
	s.invalidate(tool)
	s.notify("save", tool, scope, scopeID)
	return nil
}

// Delete removes one non-default scope layer.
func (s *Service) Delete(tool, scope, scopeID string) error {
	if err := s.store.DeleteToolSetting(tool, scope, scopeID); err != nil {
		return fmt.Errorf("delete %s/%s settings: %w", tool, scope, err)
	}
	s.invalidate(tool)
	s.notify("delete", tool, scope, scopeID)
	return nil
}

// invalidate drops cached resolutions for a tool.
func (s *Service) invalidate(tool string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := tool + "|"
	for key := range s.cache {
		if strings.HasPrefix(key, prefix) {
			delete(s.cache, key)
		}
	}
}

// cloneMap deep-copies a resolved payload so callers can mutate nested
// values without corrupting the cache. Payloads are unmarshalled JSON, so
// a marshal round trip is lossless.
func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	if b, err := json.Marshal(m); err == nil && json.Unmarshal(b, &out) == nil {
		return out
	}
	for k, v := range m {
		out[k] = v
	}
	return out
}
