// Package types provides shared data structures for the extension host.
//
// This package defines the core types exchanged between the sandbox,
// watchdog, loader, IPC bridge and host, so that each component can stay
// decoupled from the others' implementations.
//
// Core Types:
//   - Manifest: Immutable extension descriptor supplied at load time
//   - LoadedExtension: Per-extension lifecycle record owned by the loader
//   - SandboxInfo: Snapshot of one sandbox instance
//   - ExtensionStats: Resource counters tracked by the watchdog
//   - Violation: Structured budget violation event
//   - Result: Outcome of a lifecycle operation
//
// State Management:
//   - State: Extension lifecycle state (installed, active, killed...)
//   - SandboxState: Sandbox execution state (idle, running, terminated)
//   - ViolationType: Kind of watchdog violation
//
// Example Usage:
//
//	ext := &types.LoadedExtension{
//	    Manifest: manifest,
//	    State:    types.StateInstalled,
//	}
package types
