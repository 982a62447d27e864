package instrument

import (
	"log"
	"sync"
)

var (
	panicMu   sync.RWMutex
	panicHook func(name string, recovered any)
)

// SetPanicHook arms or clears (nil) the global panic capture hook. The hook
// is invoked from Go whenever a supervised goroutine panics.
func SetPanicHook(hook func(name string, recovered any)) {
	panicMu.Lock()
	defer panicMu.Unlock()
	panicHook = hook
}

// Go runs fn in a new goroutine with panic capture. A panic is delivered to
// the armed hook, or written to the standard logger when no hook is armed,
// and never crashes the process.
func Go(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				panicMu.RLock()
				hook := panicHook
				panicMu.RUnlock()
				if hook != nil {
					hook(name, r)
				} else {
					log.Printf("goroutine %s panicked: %v", name, r)
				}
			}
		}()
		fn()
	}()
}
