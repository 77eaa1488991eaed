package ipc

import (
	"time"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/types"
)

// MessageType names an IPC message
type MessageType string

// Inbound message types (privileged process -> host)
const (
	TypeExtensionLoad       MessageType = "extension:load"
	TypeExtensionActivate   MessageType = "extension:activate"
	TypeExtensionDeactivate MessageType = "extension:deactivate"
	TypeExtensionUnload     MessageType = "extension:unload"
	TypeExtensionKill       MessageType = "extension:kill"
	TypeExtensionExecute    MessageType = "extension:execute"
	TypeCommandInvoke       MessageType = "command:invoke"
	TypeEventDispatch       MessageType = "event:dispatch"
	TypeActivationEvent     MessageType = "activation:event"
	TypeWatchdogConfig      MessageType = "watchdog:config"
	TypeHostShutdown        MessageType = "host:shutdown"
)

// Outbound message types (host -> privileged process)
const (
	TypeHostReady            MessageType = "host:ready"
	TypeHostStats            MessageType = "host:stats"
	TypeHostCrashed          MessageType = "host:crashed"
	TypeExtensionLoaded      MessageType = "extension:loaded"
	TypeExtensionActivated   MessageType = "extension:activated"
	TypeExtensionDeactivated MessageType = "extension:deactivated"
	TypeExtensionUnloaded    MessageType = "extension:unloaded"
	TypeExtensionError       MessageType = "extension:error"
	TypeExtensionKilled      MessageType = "extension:killed"
	TypeWatchdogViolation    MessageType = "watchdog:violation"
)

// Capability traffic flows both ways. Outbound api:call carries a callId;
// the answer comes back as api:result or api:error with the same callId.
// Inbound requests carry a requestId and are answered the same way.
const (
	TypeAPICall   MessageType = "api:call"
	TypeAPIResult MessageType = "api:result"
	TypeAPIError  MessageType = "api:error"
)

// HostInfo identifies the host process in host:ready
type HostInfo struct {
	HostID  string `json:"hostId"`
	Version string `json:"version"`
	PID     int    `json:"pid"`
}

// Message is the flat envelope shared by every IPC message
type Message struct {
	Type        MessageType `json:"type"`
	ExtensionID string      `json:"extensionId,omitempty"`

	// extension:load
	Manifest *types.Manifest `json:"manifest,omitempty"`
	Code     string          `json:"code,omitempty"`

	// extension:kill, extension:killed
	Reason string `json:"reason,omitempty"`

	// capability calls and requests
	CallID    string        `json:"callId,omitempty"`
	RequestID string        `json:"requestId,omitempty"`
	API       string        `json:"api,omitempty"`
	Method    string        `json:"method,omitempty"`
	Args      []interface{} `json:"args,omitempty"`
	Result    interface{}   `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`

	Watchdog  *types.WatchdogConfig  `json:"watchdog,omitempty"`
	Violation *types.Violation       `json:"violation,omitempty"`
	Stats     []types.ExtensionStats `json:"stats,omitempty"`
	Host      *types.HostStats       `json:"host,omitempty"`
	Info      *HostInfo              `json:"info,omitempty"`

	// activation:event, event:dispatch
	Event string   `json:"event,omitempty"`
	Files []string `json:"files,omitempty"`

	Timestamp int64 `json:"timestamp"` // unix millis
}

// NewMessage creates a message of type t stamped with the current time
func NewMessage(t MessageType, extensionID string) *Message {
	return &Message{
		Type:        t,
		ExtensionID: extensionID,
		Timestamp:   time.Now().UnixMilli(),
	}
}

// IsResponse reports whether m answers an outbound capability call
func (m *Message) IsResponse() bool {
	switch m.Type {
	case TypeAPIResult, TypeAPIError:
		return m.CallID != ""
	case TypeAPICall:
		// Older peers answer with api:call plus result or error
		return m.CallID != "" && m.RequestID == "" && m.Method == ""
	}
	return false
}
