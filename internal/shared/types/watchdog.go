package types

// ViolationType classifies a watchdog violation
type ViolationType string

const (
	ViolationMemoryExceeded ViolationType = "memory_exceeded"
	ViolationCPUTimeout     ViolationType = "cpu_timeout"
	ViolationUnresponsive   ViolationType = "unresponsive"
	ViolationError          ViolationType = "error"
)

// ExtensionStats holds the resource counters tracked per extension
type ExtensionStats struct {
	ExtensionID     string  `json:"extensionId"`
	MemoryUsageMB   float64 `json:"memoryUsageMB"`
	CPUTimeMs       int64   `json:"cpuTimeMs"`
	LastActivityMs  int64   `json:"lastActivityMs"` // unix millis
	ActivationCount int     `json:"activationCount"`
	ErrorCount      int     `json:"errorCount"`
}

// ViolationDetails carries the measured values behind a violation
type ViolationDetails struct {
	Limit   *float64 `json:"limit,omitempty"`
	Actual  *float64 `json:"actual,omitempty"`
	Message string   `json:"message,omitempty"`
}

// Violation is emitted when an extension breaches a budget
type Violation struct {
	Type        ViolationType    `json:"type"`
	ExtensionID string           `json:"extensionId"`
	Timestamp   int64            `json:"timestamp"` // unix millis
	Details     ViolationDetails `json:"details"`
}

// WatchdogConfig is the wire form of a watchdog configuration. Zero fields
// inherit the defaults.
type WatchdogConfig struct {
	MemoryLimitMB   float64 `json:"memoryLimitMB,omitempty"`
	CPUTimeoutMs    int64   `json:"cpuTimeoutMs,omitempty"`
	CheckIntervalMs int64   `json:"checkIntervalMs,omitempty"`
}

// HostStats is the process-level part of a host:stats broadcast
type HostStats struct {
	HostID       string  `json:"hostId"`
	PID          int     `json:"pid"`
	RSSMB        float64 `json:"rssMB"`
	CPUPercent   float64 `json:"cpuPercent"`
	Goroutines   int     `json:"goroutines"`
	Sandboxes    int     `json:"sandboxes"`
	PendingCalls int     `json:"pendingCalls"`
	UptimeMs     int64   `json:"uptimeMs"`
}

// Float64Ptr returns a pointer to v
func Float64Ptr(v float64) *float64 {
	return &v
}
