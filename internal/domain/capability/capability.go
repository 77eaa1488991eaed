package capability

import (
	"context"
)

// Namespaces exposed to extension code as api.<namespace>
const (
	NamespaceUI        = "ui"
	NamespaceStorage   = "storage"
	NamespaceCommands  = "commands"
	NamespaceWorkspace = "workspace"
	NamespaceEvents    = "events"
	NamespaceTelemetry = "telemetry"
	NamespaceNetwork   = "network"
)

// Caller forwards one capability call to the privileged process
type Caller interface {
	CallAPI(ctx context.Context, extensionID, api, method string, args []interface{}) (interface{}, error)
}

// ActivityRecorder is told about every capability call an extension makes
type ActivityRecorder interface {
	RecordActivity(extensionID string)
}

// UI shows messages and pickers in the host application
type UI interface {
	// ShowInformationMessage returns the chosen item or "" when dismissed
	ShowInformationMessage(ctx context.Context, message string, items ...string) (string, error)
	ShowWarningMessage(ctx context.Context, message string, items ...string) (string, error)
	ShowErrorMessage(ctx context.Context, message string, items ...string) (string, error)
	ShowQuickPick(ctx context.Context, items []string, options map[string]interface{}) (string, error)
	SetStatusBarMessage(ctx context.Context, text string, timeoutMs int64) error
}

// Storage is per-extension key/value state
type Storage interface {
	Get(ctx context.Context, key string) (interface{}, error)
	Set(ctx context.Context, key string, value interface{}) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Commands registers extension commands with the host and runs host commands
type Commands interface {
	RegisterCommand(ctx context.Context, commandID string) error
	UnregisterCommand(ctx context.Context, commandID string) error
	ExecuteCommand(ctx context.Context, commandID string, args ...interface{}) (interface{}, error)
}

// Workspace reads workspace configuration and files
type Workspace interface {
	GetConfiguration(ctx context.Context, section string) (map[string]interface{}, error)
	GetWorkspaceFolders(ctx context.Context) ([]string, error)
	FindFiles(ctx context.Context, include, exclude string) ([]string, error)
}

// Events publishes extension events. Listeners registered with events.on
// live in the sandbox and are fed by event:dispatch messages.
type Events interface {
	Emit(ctx context.Context, event string, data interface{}) error
}

// Telemetry records usage and errors
type Telemetry interface {
	TrackEvent(ctx context.Context, name string, properties map[string]interface{}) error
	TrackError(ctx context.Context, message string, properties map[string]interface{}) error
}

// Network performs proxied HTTP requests
type Network interface {
	Fetch(ctx context.Context, url string, options map[string]interface{}) (interface{}, error)
}

// CommandKey is the sandbox handler key of a registered command
func CommandKey(commandID string) string {
	return "command:" + commandID
}

// EventKey is the sandbox handler key of an event listener
func EventKey(event string) string {
	return "event:" + event
}
