// Package redfish emits the RESOURCE_CREATED/RESOURCE_DELETED lifecycle
// events a mountpoint transition into or out of Active produces (spec.md
// §6, "Redfish event emission"). The corpus carries no Redfish log-service
// client, so events are published on a docker/go-events broadcaster the
// way events/exchange.go fans out envelopes, and a subscriber turns each
// one into a structured containerd/log record a downstream Redfish log
// forwarder can pick up (see SPEC_FULL.md's Open Question decision).
package redfish

import (
	"context"

	goevents "github.com/docker/go-events"

	"github.com/containerd/log"
)

// Kind names the Redfish message registry entry a lifecycle transition maps
// to (spec.md §6).
type Kind string

const (
	// ResourceCreated is emitted on a successful transition into Active.
	ResourceCreated Kind = "RESOURCE_CREATED"
	// ResourceDeleted is emitted on a user-initiated unmount from Active.
	ResourceDeleted Kind = "RESOURCE_DELETED"
)

// Event is one lifecycle notification broadcast on the exchange.
type Event struct {
	Kind       Kind
	ObjectPath string
}

// Exchange fans out mountpoint lifecycle events to any number of
// subscribers, the same broadcaster shape as events/exchange.go generalized
// from an Any-typed envelope to this package's narrow Event type.
type Exchange struct {
	broadcaster *goevents.Broadcaster
}

// NewExchange constructs an empty Exchange. One Exchange is shared by every
// slot's Machine, the way a single containerd Exchange is shared by every
// plugin.
func NewExchange() *Exchange {
	return &Exchange{broadcaster: goevents.NewBroadcaster()}
}

// ResourceCreated implements core/mountpoint.EventSink, publishing a
// RESOURCE_CREATED event for objectPath.
func (e *Exchange) ResourceCreated(objectPath string) {
	e.publish(ResourceCreated, objectPath)
}

// ResourceDeleted implements core/mountpoint.EventSink, publishing a
// RESOURCE_DELETED event for objectPath.
func (e *Exchange) ResourceDeleted(objectPath string) {
	e.publish(ResourceDeleted, objectPath)
}

func (e *Exchange) publish(kind Kind, objectPath string) {
	if err := e.broadcaster.Write(&Event{Kind: kind, ObjectPath: objectPath}); err != nil {
		log.L.WithField("kind", string(kind)).WithField("path", objectPath).
			WithError(err).Warn("redfish: failed to publish lifecycle event")
	}
}

// Subscribe registers a queue and returns a channel of events, matching
// events/exchange.go's Subscribe contract: cancel ctx to end the
// subscription and release the queue.
func (e *Exchange) Subscribe(ctx context.Context) <-chan *Event {
	var (
		out     = make(chan *Event)
		channel = goevents.NewChannel(0)
		queue   = goevents.NewQueue(channel)
	)

	e.broadcaster.Add(queue)

	go func() {
		defer e.broadcaster.Remove(queue)
		defer queue.Close()
		defer close(out)

		for {
			select {
			case ev := <-channel.C:
				event, ok := ev.(*Event)
				if !ok {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// LogSink drains an Exchange subscription and turns each event into a
// structured log record tagged for a downstream Redfish log forwarder,
// standing in for the Redfish log service client this corpus does not
// carry (see DESIGN.md).
func LogSink(ctx context.Context, ex *Exchange) {
	for ev := range ex.Subscribe(ctx) {
		log.L.WithField("event", string(ev.Kind)).WithField("path", ev.ObjectPath).
			Info("redfish: lifecycle event")
	}
}
