// Command exthost is the extension host process.
//
// A privileged application spawns it and exchanges newline-delimited JSON
// messages over stdin/stdout (or dials its websocket endpoint). The host
// loads each extension into its own JavaScript sandbox, forwards capability
// calls back to the parent and kills extensions that exceed their budgets.
//
// Usage:
//
//	exthost serve [--transport stdio|websocket] [--admin]
//	exthost run MANIFEST [--bundle FILE] [--command ID] [--args JSON] [--wait DURATION]
//
// Configuration comes from environment variables (see
// internal/infrastructure/config); flags override them.
//
// Signals:
//   - SIGINT, SIGTERM: graceful shutdown
package main
