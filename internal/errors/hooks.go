// Package errors - error hook registry. Hooks let higher layers
// (notifications, status publishing) observe enhanced errors as they
// are built without this package depending on them.
package errors

import (
	"sync"
	"sync/atomic"
)

// ErrorHook receives every enhanced error built while hooks are active.
// Hooks must be fast and must not build enhanced errors themselves.
type ErrorHook func(*EnhancedError)

var (
	hookMutex      sync.RWMutex
	errorHooks     []ErrorHook
	hasActiveHooks atomic.Bool
)

// AddErrorHook registers a hook. There is no removal; hooks live for the
// process lifetime and are installed during engine construction.
func AddErrorHook(hook ErrorHook) {
	if hook == nil {
		return
	}
	hookMutex.Lock()
	errorHooks = append(errorHooks, hook)
	hookMutex.Unlock()
	hasActiveHooks.Store(true)
}

// notifyHooks delivers the error to every registered hook.
func notifyHooks(ee *EnhancedError) {
	hookMutex.RLock()
	hooks := errorHooks
	hookMutex.RUnlock()

	for _, hook := range hooks {
		hook(ee)
	}
	if len(hooks) > 0 {
		ee.MarkReported()
	}
}

// PrivacyScrubber is a function type for privacy scrubbing of messages
// before they leave the process (notifications, MQTT).
type PrivacyScrubber func(string) string

var globalPrivacyScrubber PrivacyScrubber

// SetPrivacyScrubber installs the scrubbing function. The privacy
// package registers itself here at engine start.
func SetPrivacyScrubber(scrubber PrivacyScrubber) {
	globalPrivacyScrubber = scrubber
}

// ScrubMessage applies the installed privacy scrubber, or returns the
// message unchanged when none is installed.
func ScrubMessage(message string) string {
	if globalPrivacyScrubber != nil {
		return globalPrivacyScrubber(message)
	}
	return message
}
