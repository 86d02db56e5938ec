package modkit

// State is the lifecycle state shared by modules and engines.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitialized   State = "initialized"
	StateStarting      State = "starting"
	StateRunning       State = "running"
	StateStopping      State = "stopping"
	StateStopped       State = "stopped"
	// StateError is terminal: a component that failed during initialize
	// or start stays in error until the host reconstructs it.
	StateError State = "error"
)

// canInitialize reports whether initialize() is legal from s.
func (s State) canInitialize() bool { return s == StateUninitialized }

// canStart reports whether start() is legal from s.
func (s State) canStart() bool { return s == StateInitialized || s == StateStopped }

// Quiescent reports whether registration-type mutations are allowed: a
// container accepts new modules only while it is not starting or running.
func (s State) Quiescent() bool { return s != StateStarting && s != StateRunning }
