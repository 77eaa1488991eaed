package types

import "time"

// State represents extension lifecycle states
type State string

const (
	StateNotInstalled State = "not-installed"
	StateLoading      State = "loading"
	StateInstalled    State = "installed"
	StateActive       State = "active"
	StateError        State = "error"
	StateKilled       State = "killed"
)

// IsTerminal reports whether the state ends the current load cycle
func (s State) IsTerminal() bool {
	return s == StateError || s == StateKilled
}

// SandboxState represents the execution state of a sandbox
type SandboxState string

const (
	SandboxIdle       SandboxState = "idle"
	SandboxRunning    SandboxState = "running"
	SandboxTerminated SandboxState = "terminated"
)

// Limits holds optional per-extension resource limits declared in a manifest.
// Zero values inherit the watchdog defaults.
type Limits struct {
	MemoryLimitMB   float64 `json:"memoryLimitMB,omitempty" yaml:"memoryLimitMB,omitempty" toml:"memoryLimitMB,omitempty"`
	CPUTimeoutMs    int64   `json:"cpuTimeoutMs,omitempty" yaml:"cpuTimeoutMs,omitempty" toml:"cpuTimeoutMs,omitempty"`
	CheckIntervalMs int64   `json:"checkIntervalMs,omitempty" yaml:"checkIntervalMs,omitempty" toml:"checkIntervalMs,omitempty"`
}

// Manifest describes an extension's identity and activation triggers
type Manifest struct {
	ID               string   `json:"id" yaml:"id" toml:"id" validate:"required,max=128,extid"`
	Name             string   `json:"name" yaml:"name" toml:"name" validate:"required,max=128"`
	Version          string   `json:"version" yaml:"version" toml:"version" validate:"required,semver"`
	Publisher        string   `json:"publisher" yaml:"publisher" toml:"publisher" validate:"required,max=64"`
	Category         string   `json:"category,omitempty" yaml:"category,omitempty" toml:"category,omitempty"`
	Main             string   `json:"main,omitempty" yaml:"main,omitempty" toml:"main,omitempty"`
	Permissions      []string `json:"permissions,omitempty" yaml:"permissions,omitempty" toml:"permissions,omitempty"`
	ActivationEvents []string `json:"activationEvents,omitempty" yaml:"activationEvents,omitempty" toml:"activationEvents,omitempty"`
	Limits           *Limits  `json:"limits,omitempty" yaml:"limits,omitempty" toml:"limits,omitempty"`
}

// LoadedExtension is the loader's record for one installed extension
type LoadedExtension struct {
	Manifest    Manifest       `json:"manifest"`
	State       State          `json:"state"`
	Error       string         `json:"error,omitempty"`
	SandboxID   string         `json:"sandboxId,omitempty"`
	CodeDigest  string         `json:"codeDigest,omitempty"` // blake2b-256, hex
	LoadedAt    time.Time      `json:"loadedAt"`
	ActivatedAt *time.Time     `json:"activatedAt,omitempty"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	Stats       ExtensionStats `json:"stats"`
}

// SandboxInfo is a point-in-time view of a sandbox instance
type SandboxInfo struct {
	ID           string       `json:"id"`
	ExtensionID  string       `json:"extensionId"`
	State        SandboxState `json:"state"`
	StartedAt    time.Time    `json:"startedAt"`
	LastActivity time.Time    `json:"lastActivity"`
}

// SandboxStats is the per-sandbox snapshot returned by the sandbox manager
type SandboxStats struct {
	ExtensionID string       `json:"extensionId"`
	MemoryUsage float64      `json:"memoryUsage"` // MB, estimated
	State       SandboxState `json:"state"`
}

// Result is the outcome of a lifecycle operation. Extension failures are
// routine, so they are reported here rather than returned as Go errors.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Err     error  `json:"-"`
}

// Success returns a successful result
func Success() Result {
	return Result{Success: true}
}

// Failure wraps err into a failed result
func Failure(err error) Result {
	return Result{Success: false, Error: err.Error(), Err: err}
}

// Stats contains loader statistics
type Stats struct {
	Total     int           `json:"total"`
	Installed int           `json:"installed"`
	Active    int           `json:"active"`
	Errored   int           `json:"errored"`
	Killed    int           `json:"killed"`
	ByState   map[State]int `json:"byState"`
}
