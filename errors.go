package modkit

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. The typed errors below unwrap to these so callers can
// use errors.Is without caring about the concrete type.
var (
	// Lifecycle errors
	ErrInvalidState = errors.New("invalid lifecycle state")

	// Registration errors
	ErrDuplicateModule = errors.New("module already registered")
	ErrDuplicateEngine = errors.New("engine already registered")

	// Dependency resolution errors
	ErrDependencyMissing  = errors.New("unresolved dependency")
	ErrCircularDependency = errors.New("circular dependency detected")

	// Manifest and config errors
	ErrValidationFailed = errors.New("validation failed")
	ErrManifestLoad     = errors.New("failed to load manifest")

	// Loader errors
	ErrFactoryNotFound = errors.New("no factory registered for manifest")
	ErrEngineNotFound  = errors.New("engine not found")
	ErrAlreadyLoaded   = errors.New("loader has already loaded the module graph")

	// Event bus errors
	ErrEventBusNil          = errors.New("event bus is nil")
	ErrEventHandlerNil      = errors.New("event handler is nil")
	ErrEventTypeEmpty       = errors.New("event type is empty")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrObserverNil          = errors.New("observer is nil")
)

// InvalidStateError reports an illegal lifecycle transition attempt.
type InvalidStateError struct {
	Component string // module or engine id
	Op        string // the attempted operation
	State     State  // the state the component was in
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: cannot %s while in state %q", e.Component, e.Op, e.State)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// DuplicateError reports an id collision during registration.
type DuplicateError struct {
	Kind string // "module" or "engine"
	ID   string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate %s id %q", e.Kind, e.ID)
}

func (e *DuplicateError) Unwrap() error {
	if e.Kind == "engine" {
		return ErrDuplicateEngine
	}
	return ErrDuplicateModule
}

// DependencyError reports an unresolvable dependency, naming the missing id.
type DependencyError struct {
	Component string
	Missing   string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: dependency %q cannot be resolved", e.Component, e.Missing)
}

func (e *DependencyError) Unwrap() error { return ErrDependencyMissing }

// CircularDependencyError is the distinguished circular case of a
// dependency failure. Node names a member of the detected cycle.
type CircularDependencyError struct {
	Node string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency involving %q", e.Node)
}

func (e *CircularDependencyError) Unwrap() error { return ErrCircularDependency }

// FieldViolation is a single schema or manifest rule violation.
type FieldViolation struct {
	Field   string
	Message string
}

func (v FieldViolation) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// ValidationError carries every offending field, not just the first.
type ValidationError struct {
	Subject    string
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.String()
	}
	return fmt.Sprintf("%s: validation failed: %s", e.Subject, strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// Fields returns the names of all offending fields.
func (e *ValidationError) Fields() []string {
	fields := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		fields[i] = v.Field
	}
	return fields
}

// ManifestLoadError reports an I/O or parse failure on a specific manifest
// file. It is fatal for that manifest only; discovery continues past it.
type ManifestLoadError struct {
	Path string
	Err  error
}

func (e *ManifestLoadError) Error() string {
	return fmt.Sprintf("manifest %s: %v", e.Path, e.Err)
}

func (e *ManifestLoadError) Unwrap() error { return ErrManifestLoad }
