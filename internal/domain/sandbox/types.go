package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// ErrCallBudgetExceeded is the interrupt reason when a single VM entry runs
// past Config.MaxCallDuration.
var ErrCallBudgetExceeded = errors.New("sandbox call exceeded its time budget")

// Config defines sandbox configuration
type Config struct {
	ExtensionID      string        // Owning extension
	MaxCallDuration  time.Duration // Hard budget per VM entry, 0 disables
	MaxCallStackSize int           // goja call stack depth
	EnableConsole    bool          // Route console.* to the logger
}

// DefaultConfig returns the default configuration for an extension sandbox
func DefaultConfig(extensionID string) Config {
	return Config{
		ExtensionID:      extensionID,
		MaxCallStackSize: 1024,
		EnableConsole:    true,
	}
}

// Disposable undoes a host-side registration. A capability method that
// returns one hands the extension a JS object with a dispose() method and the
// sandbox disposes it on deactivate or terminate if the extension did not.
type Disposable func()

// Method is one capability entry point reachable from extension code as
// api.<namespace>.<method>(...). It runs on the VM goroutine.
type Method func(ctx context.Context, inv *Invocation) (interface{}, error)

// Capabilities is the host surface bound into a sandbox as the api object
type Capabilities interface {
	Bindings() map[string]map[string]Method
}

// Invocation carries one capability call from extension code
type Invocation struct {
	ExtensionID string
	Namespace   string
	Method      string
	Args        []interface{} // exported JS values, function arguments are nil

	callbacks map[int]goja.Callable
	sandbox   *Sandbox
}

// Arg returns argument i or nil
func (inv *Invocation) Arg(i int) interface{} {
	if i < 0 || i >= len(inv.Args) {
		return nil
	}
	return inv.Args[i]
}

// StringArg returns argument i as a string
func (inv *Invocation) StringArg(i int) (string, error) {
	s, ok := inv.Arg(i).(string)
	if !ok {
		return "", fmt.Errorf("%s.%s: argument %d must be a string", inv.Namespace, inv.Method, i)
	}
	return s, nil
}

// HasCallback reports whether argument i is a JS function
func (inv *Invocation) HasCallback(i int) bool {
	_, ok := inv.callbacks[i]
	return ok
}

// BindCallback registers the JS function at argument index under key so the
// host can later call it through Sandbox.Invoke. The returned Disposable
// removes that registration.
func (inv *Invocation) BindCallback(index int, key string) (Disposable, error) {
	fn, ok := inv.callbacks[index]
	if !ok {
		return nil, fmt.Errorf("%s.%s: argument %d must be a function", inv.Namespace, inv.Method, index)
	}
	return inv.sandbox.addHandler(key, fn), nil
}
