// Package http implements the extension host's local admin API: health,
// extension inspection, host statistics and an operator kill switch. The
// privileged peer never uses it; it talks IPC.
package http
