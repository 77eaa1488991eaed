// Package config provides 12-factor configuration management for the extension host.
//
// Configuration is loaded from environment variables with sensible defaults.
// CLI flags can override environment variables for development flexibility.
//
// Configuration Sections:
//   - Host: stats broadcast interval, bounded shutdown budget
//   - Watchdog: default memory/cpu budgets and scan interval
//   - Sandbox: per-call hard budget, call stack depth, console redirection
//   - IPC: transport selection, capability call timeout, frame size
//   - Admin: optional HTTP server for health, stats and metrics
//   - Logging: log level and output format
//   - RateLimit: per-extension capability call rate
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Watchdog memory budget: %.0fMB\n", cfg.Watchdog.MemoryLimitMB)
package config
