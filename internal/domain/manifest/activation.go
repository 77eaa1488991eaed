package manifest

import (
	"strings"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/types"
	"github.com/bmatcuk/doublestar/v4"
)

// Activation event kinds
const (
	EventAny               = "*"
	EventStartupFinished   = "onStartupFinished"
	EventWorkspaceContains = "workspaceContains"
)

// ActivationEvent is one parsed entry of Manifest.ActivationEvents
type ActivationEvent struct {
	Kind string
	Arg  string
}

// ParseActivationEvent splits "kind:arg" at the first colon
func ParseActivationEvent(s string) ActivationEvent {
	kind, arg, _ := strings.Cut(s, ":")
	return ActivationEvent{Kind: kind, Arg: arg}
}

// ShouldActivate reports whether trigger fires any of the manifest's
// activation events. trigger is either a full event ("onCommand:greet") or
// "workspaceContains", in which case files are the workspace paths to match
// against each workspaceContains glob.
func ShouldActivate(m types.Manifest, trigger string, files []string) bool {
	for _, raw := range m.ActivationEvents {
		if raw == EventAny || raw == trigger {
			return true
		}

		ev := ParseActivationEvent(raw)
		if ev.Kind != EventWorkspaceContains || trigger != EventWorkspaceContains {
			continue
		}
		for _, f := range files {
			if ok, _ := doublestar.Match(ev.Arg, f); ok {
				return true
			}
		}
	}
	return false
}
