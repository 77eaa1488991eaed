/*
Package sandbox isolates extension code in per-extension goja runtimes.

# Overview

Each extension gets its own goja VM. The bundle is evaluated inside a
CommonJS style wrapper:

	(function(module, exports, api, console) { ... })

so module.exports carries the activate and deactivate hooks and api is the
only host surface the code can reach.

# Security Model

Sandboxed code cannot:
  - reach require, process, global or eval
  - schedule timers (setTimeout and friends are no-ops)
  - touch host state except through api.<namespace>.<method>

Every capability method returns a promise that is already settled when the
call returns, so both await and .then work without an event loop.

# Concurrency

goja runtimes are not goroutine safe. Every entry into a VM takes the
sandbox's VM mutex. Terminate never waits for it: it interrupts the VM,
which preempts a running loop, and the interrupted call releases the VM on
its way out. An optional per-call budget (Config.MaxCallDuration) interrupts
a single call that runs too long without terminating the sandbox.

# Memory

goja does not account memory per runtime. MemoryUsageMB is the accumulated
heap growth observed across the sandbox's own VM entries, clamped at zero.
Treat it as an estimate that is good enough to catch runaway allocation.

# Usage Example

	mgr := sandbox.NewManager(logger)
	sb := mgr.CreateSandbox(sandbox.DefaultConfig("acme.hello"), caps)

	if err := sb.Load(ctx, bundle); err != nil {
		return err
	}
	if err := sb.Activate(ctx); err != nil {
		return err
	}
	defer mgr.TerminateSandbox("acme.hello")
*/
package sandbox
