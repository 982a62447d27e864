// probes.go provides the concrete probe installers: middleware wrappers
// over the HTTP transport, the realtime socket, and the settings store.
// Each installer captures the previous state and returns a teardown that
// restores it exactly.

package instrument

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/keyframed/relayd/internal/diagnostics"
	"github.com/keyframed/relayd/internal/reconnect"
)

// SocketObservable is the realtime client surface the websocket probe hooks.
// *realtime.Client satisfies it via Go's structural typing.
type SocketObservable interface {
	SetSocketObserver(fn func(event string, fields map[string]any))
}

// MutationObservable is the settings store surface the storage probe hooks.
// *settings.Service satisfies it via Go's structural typing.
type MutationObservable interface {
	SetMutationObserver(fn func(op, tool, scope, scopeID string))
}

// loggingTransport wraps an http.RoundTripper, logging every request through
// the diagnostics channel and filing reconnect intents when auth requests
// time out.
type loggingTransport struct {
	base  http.RoundTripper
	diag  *diagnostics.Channel
	sched *reconnect.Scheduler
	cfg   Config
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	elapsed := time.Since(start)

	fields := map[string]any{
		"method":      req.Method,
		"host":        req.URL.Host,
		"path":        req.URL.Path,
		"duration_ms": elapsed.Milliseconds(),
	}
	if resp != nil {
		fields["status"] = resp.StatusCode
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	t.diag.Log(t.cfg.LogLevel, "probe:http", "request", fields, t.cfg.Tags...)

	// Auth endpoint timeouts are a strong signal the realtime token went
	// stale; heal proactively instead of waiting for the socket to die.
	if err != nil && t.sched != nil && isAuthPath(req.URL.Path) && isTimeout(err) {
		t.sched.Request(reconnect.Intent{
			Source:   "probe:http",
			Reason:   fmt.Sprintf("auth request timed out after %dms", elapsed.Milliseconds()),
			Priority: reconnect.PriorityHigh,
		})
	}

	return resp, err
}

func isAuthPath(path string) bool {
	return strings.Contains(path, "/auth") || strings.Contains(path, "/token")
}

func isTimeout(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded")
}

// NewHTTPProbe returns an installer that wraps the client's transport. The
// teardown restores the exact previous transport value.
func NewHTTPProbe(client *http.Client, diag *diagnostics.Channel, sched *reconnect.Scheduler) Installer {
	return func(cfg Config) (Teardown, error) {
		if client == nil {
			return nil, fmt.Errorf("no http client to wrap")
		}
		prev := client.Transport
		base := prev
		if base == nil {
			base = http.DefaultTransport
		}
		client.Transport = &loggingTransport{base: base, diag: diag, sched: sched, cfg: cfg}
		return func() {
			client.Transport = prev
		}, nil
	}
}

// NewWebsocketProbe returns an installer that registers a socket lifecycle
// observer on the realtime client. The teardown clears the observer.
func NewWebsocketProbe(obs SocketObservable, diag *diagnostics.Channel) Installer {
	return func(cfg Config) (Teardown, error) {
		if obs == nil {
			return nil, fmt.Errorf("no realtime client to observe")
		}
		obs.SetSocketObserver(func(event string, fields map[string]any) {
			diag.Log(cfg.LogLevel, "probe:websocket", event, fields, cfg.Tags...)
		})
		return func() {
			obs.SetSocketObserver(nil)
		}, nil
	}
}

// NewStorageProbe returns an installer that registers a mutation observer on
// the settings store. The teardown clears the observer.
func NewStorageProbe(obs MutationObservable, diag *diagnostics.Channel) Installer {
	return func(cfg Config) (Teardown, error) {
		if obs == nil {
			return nil, fmt.Errorf("no settings store to observe")
		}
		obs.SetMutationObserver(func(op, tool, scope, scopeID string) {
			diag.Log(cfg.LogLevel, "probe:storage", "settings "+op, map[string]any{
				"tool":     tool,
				"scope":    scope,
				"scope_id": scopeID,
			}, cfg.Tags...)
		})
		return func() {
			obs.SetMutationObserver(nil)
		}, nil
	}
}

// NewPanicsProbe returns an installer that arms the global panic hook used
// by Go-supervised goroutines. The teardown disarms it.
func NewPanicsProbe(diag *diagnostics.Channel) Installer {
	return func(cfg Config) (Teardown, error) {
		SetPanicHook(func(name string, recovered any) {
			diag.Error("probe:panics", fmt.Sprintf("goroutine %s panicked", name), map[string]any{
				"panic": fmt.Sprint(recovered),
			}, cfg.Tags...)
		})
		return func() {
			SetPanicHook(nil)
		}, nil
	}
}
