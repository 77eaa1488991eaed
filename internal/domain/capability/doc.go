/*
Package capability defines the restricted API surface extensions can call.

Each namespace (ui, storage, commands, workspace, events, telemetry, network)
is an explicit interface. The default implementations are thin stubs that
serialize their arguments and forward them to the privileged process through
a Caller, normally the IPC bridge. Every call first waits on the extension's
token bucket and marks the extension active in the watchdog.

Set.Bindings adapts a Set to the sandbox so extension code sees

	await api.storage.set('greeting', 'hello')
	const picked = await api.ui.showQuickPick(['a', 'b'])

Handlers passed to commands.registerCommand and events.on stay inside the
sandbox and are reached later through Sandbox.Invoke with CommandKey or
EventKey.
*/
package capability
