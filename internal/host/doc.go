// Package host is the extension host process: it owns the IPC bridge, the
// loader, the sandboxes and the watchdog, routes inbound messages to them
// and reports every state change back to the privileged peer.
//
// Messages for one extension are processed in arrival order on that
// extension's mailbox; different extensions proceed independently. Kills,
// capability responses, watchdog config and shutdown skip the mailboxes.
package host
