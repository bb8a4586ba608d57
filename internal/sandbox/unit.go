package sandbox

import "time"

// Message is one control-protocol message received from an execution unit.
type Message struct {
	// Type is one of "log", "error", "info" or "service-ready".
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`

	// Host and Port accompany "service-ready" once the sandboxed program
	// opens its embedded network service.
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

// ExitStatus describes how an execution unit terminated.
type ExitStatus struct {
	// Err is nil for a clean exit.
	Err error
	// Diagnostic carries the unit's final error output, used to classify
	// resource exhaustion.
	Diagnostic string
}

// ResourceLimits bounds an execution unit's V8 heap regions, in megabytes.
type ResourceLimits struct {
	MaxOldGenerationMB   int
	MaxYoungGenerationMB int
	MaxCodeRangeMB       int
}

// Unit is one isolated execution context running a user script.
//
// Messages is closed when the unit's output ends; Exit then delivers exactly
// one status.
type Unit interface {
	Messages() <-chan Message
	Exit() <-chan ExitStatus

	// UpdateScript hot-swaps the running script without a restart.
	UpdateScript(script string) error

	// Terminate asks the unit to exit, force-killing it after the grace
	// period. Safe to call on an already-exited unit.
	Terminate(grace time.Duration)
}

// UnitFactory allocates a new execution unit for a script. Tests inject fake
// units through this.
type UnitFactory func(script string, limits ResourceLimits) (Unit, error)
