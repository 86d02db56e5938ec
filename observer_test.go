package modkit

import (
	"context"
	"testing"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachObserver(t *testing.T) {
	bus := NewEventBus(nil)

	var received []cloudevents.Event
	obs := NewFuncObserver("test-observer", func(_ context.Context, ev cloudevents.Event) error {
		received = append(received, ev)
		return nil
	})

	ids, err := bus.AttachObserver(obs, EventTypeModuleStarted, EventTypeModuleStopped)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	bus.Publish(context.Background(), EventTypeModuleStarted, ModuleLifecyclePayload{Module: "cache"}, nil)
	bus.Publish(context.Background(), EventTypeEngineStarted, nil, nil)
	bus.Publish(context.Background(), EventTypeModuleStopped, nil, nil)

	require.Len(t, received, 2)
	assert.Equal(t, EventTypeModuleStarted, received[0].Type())
	assert.Equal(t, EventTypeModuleStopped, received[1].Type())

	for _, id := range ids {
		require.NoError(t, bus.Unsubscribe(id))
	}
	bus.Publish(context.Background(), EventTypeModuleStarted, nil, nil)
	assert.Len(t, received, 2)
}

func TestAttachObserverDefaultsToAllEvents(t *testing.T) {
	bus := NewEventBus(nil)

	count := 0
	obs := NewFuncObserver("catch-all", func(context.Context, cloudevents.Event) error {
		count++
		return nil
	})

	_, err := bus.AttachObserver(obs)
	require.NoError(t, err)

	bus.Publish(context.Background(), "anything:at-all", nil, nil)
	bus.Publish(context.Background(), "module:started", nil, nil)
	assert.Equal(t, 2, count)
}

func TestAttachObserverNil(t *testing.T) {
	bus := NewEventBus(nil)
	_, err := bus.AttachObserver(nil)
	assert.ErrorIs(t, err, ErrObserverNil)
}

func TestToCloudEvent(t *testing.T) {
	bus := NewEventBus(&EventBusConfig{Source: "test-source"})

	var got cloudevents.Event
	_, err := bus.Subscribe("test:event", func(_ context.Context, ev Event) error {
		got = ToCloudEvent(ev)
		return nil
	}, nil)
	require.NoError(t, err)

	bus.Publish(context.Background(), "test:event", map[string]string{"k": "v"}, map[string]any{
		"Tenant-ID": "acme",
	})

	assert.NotEmpty(t, got.ID())
	assert.Equal(t, "test:event", got.Type())
	assert.Equal(t, "test-source", got.Source())
	assert.False(t, got.Time().IsZero())
	assert.Equal(t, cloudevents.VersionV1, got.SpecVersion())

	// Metadata beyond timestamp and source becomes a sanitized extension.
	ext := got.Extensions()
	assert.Equal(t, "acme", ext["tenantid"])
	_, hasTimestamp := ext["timestamp"]
	assert.False(t, hasTimestamp)
}

func TestExtensionName(t *testing.T) {
	assert.Equal(t, "tenantid", extensionName("Tenant-ID"))
	assert.Equal(t, "abc123", extensionName("abc123"))
	assert.Equal(t, "meta", extensionName("___"))
}
