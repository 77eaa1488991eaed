// Package lifecycle drives extensions through loading, installed, active,
// error and killed states. Each extension gets its own sandbox and watchdog
// entry; the loader keeps both in step with the recorded state.
package lifecycle
