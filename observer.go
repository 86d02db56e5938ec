package modkit

import (
	"context"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer receives runtime events as CloudEvents. This is the bridge for
// external monitoring surfaces that speak the CloudEvents specification
// rather than the in-process Event envelope.
type Observer interface {
	// OnEvent is called for every matching event. Observers should return
	// quickly; an error is logged and does not affect other observers.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID identifies the observer for registration and debugging.
	ObserverID() string
}

// AttachObserver subscribes an observer to the given event types, or to
// every event when none are named. It returns the subscription ids so the
// caller can detach the observer later via Unsubscribe.
func (b *EventBus) AttachObserver(observer Observer, eventTypes ...string) ([]string, error) {
	if observer == nil {
		return nil, ErrObserverNil
	}
	if len(eventTypes) == 0 {
		eventTypes = []string{"*"}
	}
	handler := func(ctx context.Context, event Event) error {
		return observer.OnEvent(ctx, ToCloudEvent(event))
	}
	ids := make([]string, 0, len(eventTypes))
	for _, et := range eventTypes {
		id, err := b.Subscribe(et, handler, nil)
		if err != nil {
			for _, prev := range ids {
				_ = b.Unsubscribe(prev)
			}
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ToCloudEvent converts the bus envelope into a CloudEvents v1 event.
// Metadata entries beyond timestamp and source become extensions.
func ToCloudEvent(event Event) cloudevents.Event {
	ce := cloudevents.NewEvent()
	ce.SetID(event.ID)
	ce.SetType(event.Type)
	ce.SetSpecVersion(cloudevents.VersionV1)
	if src := event.Source(); src != "" {
		ce.SetSource(src)
	} else {
		ce.SetSource("modkit")
	}
	if ts := event.Timestamp(); !ts.IsZero() {
		ce.SetTime(ts)
	} else {
		ce.SetTime(time.Now())
	}
	if event.Data != nil {
		_ = ce.SetData(cloudevents.ApplicationJSON, event.Data)
	}
	for key, value := range event.Metadata {
		if key == MetaTimestamp || key == MetaSource {
			continue
		}
		ce.SetExtension(extensionName(key), value)
	}
	return ce
}

// extensionName lowercases and strips a metadata key down to the
// [a-z0-9] alphabet CloudEvents requires for extension attribute names.
func extensionName(key string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(key) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	if sb.Len() == 0 {
		return "meta"
	}
	return sb.String()
}

// FuncObserver adapts a plain function into an Observer.
type FuncObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFuncObserver creates an Observer backed by handler.
func NewFuncObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) *FuncObserver {
	return &FuncObserver{id: id, handler: handler}
}

func (f *FuncObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

func (f *FuncObserver) ObserverID() string { return f.id }
