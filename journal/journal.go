// Package journal persists the operational record of a sweep daemon: phase
// transitions, recovery decisions, blacklists and resets. Raw sweep samples
// are deliberately not journaled; the stream is the place for those.
package journal

import (
	"context"
	"time"

	"github.com/hb9tf/sweepd/stream"
)

// Entry is one journaled occurrence.
type Entry struct {
	At       time.Time
	Kind     string
	Detail   string // JSON payload as published on the stream
	Instance string // daemon identifier
}

// Journal consumes entries until the channel closes.
type Journal interface {
	Write(context.Context, <-chan Entry) error
}

// journaledTypes is everything operationally interesting. Sweep data and
// heartbeats are volume, not history.
var journaledTypes = []stream.EventType{
	stream.TypeStatus,
	stream.TypeCycleConfig,
	stream.TypeRecoveryStart,
	stream.TypeRecoveryComplete,
	stream.TypeError,
	stream.TypeStateSync,
	stream.TypeServerReset,
}

// Tail subscribes to the hub and yields journal entries until ctx is done.
// The returned channel closes when the subscription ends.
func Tail(ctx context.Context, hub *stream.Hub, instance string) <-chan Entry {
	wanted := make(map[stream.EventType]bool, len(journaledTypes))
	for _, t := range journaledTypes {
		wanted[t] = true
	}

	sub := hub.Subscribe(journaledTypes, stream.Filters{})
	out := make(chan Entry)
	go func() {
		defer close(out)
		defer hub.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-sub.Events():
				if !ok {
					return
				}
				// The hub greets every subscription with a connected
				// event regardless of its wanted set.
				if !wanted[env.Type] {
					continue
				}
				select {
				case out <- Entry{
					At:       time.Now(),
					Kind:     string(env.Type),
					Detail:   string(env.Data),
					Instance: instance,
				}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
