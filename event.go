package modkit

import (
	"time"

	"github.com/google/uuid"
)

// Event type constants for the runtime's own vocabulary. Collaborators
// are free to publish their own types alongside these.
const (
	EventTypeModuleRegistered  = "module:registered"
	EventTypeModuleInitialized = "module:initialized"
	EventTypeModuleStarted     = "module:started"
	EventTypeModuleStopped     = "module:stopped"

	EventTypeEngineStarted = "engine:started"
	EventTypeEngineStopped = "engine:stopped"

	EventTypeManifestFound   = "loader:manifest-found"
	EventTypeManifestChanged = "loader:manifest-changed"
)

// Metadata keys always present on a published event.
const (
	MetaTimestamp = "timestamp"
	MetaSource    = "source"
)

// Event is the envelope every subscriber receives. Events are immutable
// once published; the bus retains them only in its bounded history.
type Event struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Data     any            `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata"`
}

// Timestamp returns the publish time stamped into the metadata.
func (e Event) Timestamp() time.Time {
	if ts, ok := e.Metadata[MetaTimestamp].(time.Time); ok {
		return ts
	}
	return time.Time{}
}

// Source returns the publishing component stamped into the metadata.
func (e Event) Source() string {
	if s, ok := e.Metadata[MetaSource].(string); ok {
		return s
	}
	return ""
}

// ModuleLifecyclePayload is the typed data carried by module:* events.
type ModuleLifecyclePayload struct {
	Module string        `json:"module"`
	Name   string        `json:"name"`
	Engine string        `json:"engine,omitempty"`
	Uptime time.Duration `json:"uptime,omitempty"`
}

// EngineLifecyclePayload is the typed data carried by engine:* events.
type EngineLifecyclePayload struct {
	Engine  string        `json:"engine"`
	Name    string        `json:"name"`
	Modules int           `json:"modules"`
	Uptime  time.Duration `json:"uptime,omitempty"`
}

// ManifestPayload is the typed data carried by loader:manifest-* events.
type ManifestPayload struct {
	ID   string `json:"id,omitempty"`
	Path string `json:"path"`
}

// newEventID generates a time-ordered unique identifier (UUIDv7 with a
// v4 fallback).
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
