// Package server wires the admin API and the websocket IPC endpoint onto a
// gin router and runs it.
package server
