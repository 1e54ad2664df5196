package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"
	"github.com/google/uuid"
)

const (
	// HeartbeatInterval is how often every live subscription gets a
	// heartbeat regardless of data flow.
	HeartbeatInterval = 15 * time.Second
	// evictAfter multiples of the heartbeat interval without a successful
	// send mean the subscriber is gone.
	evictAfter = 3

	subscriberBuffer = 256
	publishBuffer    = 256
)

// Filters restricts which events a subscription receives.
type Filters struct {
	// MinDB drops sweep data whose strongest bin is below this level.
	MinDB *float64
	// Sources limits sweep data to these SDR source names.
	Sources []string
}

// Subscription is one dashboard session's registration with the hub.
type Subscription struct {
	ID      string
	wanted  map[EventType]bool
	filters Filters
	ch      chan Envelope

	lastSent time.Time // hub-goroutine only
}

// Events is the subscriber's receive channel. It is closed on eviction or
// unsubscribe.
func (s *Subscription) Events() <-chan Envelope { return s.ch }

func (s *Subscription) wants(t EventType) bool {
	if len(s.wanted) == 0 {
		return true
	}
	return s.wanted[t]
}

func (s *Subscription) passes(ev Event) bool {
	if ev.Type != TypeSweepData {
		return true
	}
	if s.filters.MinDB != nil && ev.DBHigh < *s.filters.MinDB {
		return false
	}
	if len(s.filters.Sources) > 0 {
		ok := false
		for _, src := range s.filters.Sources {
			if src == ev.Source {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Hub fans typed events out to every subscription. One goroutine owns the
// subscriber set, so per-subscriber delivery order is publish order; a full
// subscriber buffer drops for that subscriber only and never blocks the rest.
type Hub struct {
	clk     clock.Clock
	started time.Time

	register   chan *Subscription
	unregister chan *Subscription
	publish    chan Event
	done       chan struct{}

	count    atomic.Int64
	dropped  atomic.Int64
	doneOnce sync.Once

	// onSubscribers, if set, observes subscriber count changes (metrics).
	onSubscribers func(int)
}

func NewHub(clk clock.Clock) *Hub {
	if clk == nil {
		clk = clock.New()
	}
	return &Hub{
		clk:        clk,
		register:   make(chan *Subscription),
		unregister: make(chan *Subscription),
		publish:    make(chan Event, publishBuffer),
		done:       make(chan struct{}),
	}
}

// OnSubscribers registers an observer for subscriber-count changes. Must be
// called before Serve.
func (h *Hub) OnSubscribers(fn func(int)) { h.onSubscribers = fn }

// Subscribe registers a new subscription. A nil or empty wanted set means
// all event types.
func (h *Hub) Subscribe(wanted []EventType, filters Filters) *Subscription {
	sub := &Subscription{
		ID:      uuid.NewString(),
		filters: filters,
		ch:      make(chan Envelope, subscriberBuffer),
	}
	if len(wanted) > 0 {
		sub.wanted = make(map[EventType]bool, len(wanted))
		for _, t := range wanted {
			sub.wanted[t] = true
		}
	}
	select {
	case h.register <- sub:
	case <-h.done:
		close(sub.ch)
	}
	return sub
}

// Unsubscribe removes a subscription; its channel is closed. Safe to call
// after the hub has shut down.
func (h *Hub) Unsubscribe(sub *Subscription) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// Publish queues an event for fanout. Delivery is best-effort per
// subscriber.
func (h *Hub) Publish(ev Event) {
	select {
	case h.publish <- ev:
	default:
		if n := h.dropped.Add(1); n%100 == 1 {
			glog.Warningf("hub publish queue full, dropped %d events", n)
		}
	}
}

// ClientCount reports the current number of subscriptions.
func (h *Hub) ClientCount() int { return int(h.count.Load()) }

// Uptime is how long the hub has been serving.
func (h *Hub) Uptime() time.Duration {
	if h.started.IsZero() {
		return 0
	}
	return h.clk.Since(h.started)
}

// Serve runs the hub loop until ctx is done. It satisfies suture.Service.
func (h *Hub) Serve(ctx context.Context) error {
	h.started = h.clk.Now()
	subs := map[*Subscription]bool{}
	heartbeat := h.clk.Ticker(HeartbeatInterval)
	defer heartbeat.Stop()
	defer func() {
		h.doneOnce.Do(func() { close(h.done) })
		for sub := range subs {
			close(sub.ch)
		}
		h.count.Store(0)
		h.notifyCount(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sub := <-h.register:
			sub.lastSent = h.clk.Now()
			subs[sub] = true
			h.count.Store(int64(len(subs)))
			h.notifyCount(len(subs))
			h.deliver(sub, Event{Type: TypeConnected, Payload: ConnectedPayload{ConnectionID: sub.ID}})
			glog.Infof("stream subscriber connected id=%s total=%d", sub.ID, len(subs))

		case sub := <-h.unregister:
			if subs[sub] {
				delete(subs, sub)
				close(sub.ch)
				h.count.Store(int64(len(subs)))
				h.notifyCount(len(subs))
				glog.Infof("stream subscriber disconnected id=%s total=%d", sub.ID, len(subs))
			}

		case ev := <-h.publish:
			env, err := marshalEnvelope(ev)
			if err != nil {
				glog.Errorf("marshaling %s event: %s", ev.Type, err)
				continue
			}
			for sub := range subs {
				if !sub.wants(ev.Type) || !sub.passes(ev) {
					continue
				}
				h.send(sub, env)
			}

		case <-heartbeat.C:
			now := h.clk.Now()
			uptime := int64(h.clk.Since(h.started).Seconds())
			for sub := range subs {
				if now.Sub(sub.lastSent) > evictAfter*HeartbeatInterval {
					delete(subs, sub)
					close(sub.ch)
					glog.Warningf("evicting stale stream subscriber id=%s", sub.ID)
					continue
				}
				if !sub.wants(TypeHeartbeat) {
					continue
				}
				h.deliver(sub, Event{Type: TypeHeartbeat, Payload: HeartbeatPayload{
					UptimeSeconds: uptime,
					ConnectionID:  sub.ID,
				}})
			}
			h.count.Store(int64(len(subs)))
			h.notifyCount(len(subs))
		}
	}
}

// deliver marshals and sends a per-subscriber event (connected, heartbeat).
func (h *Hub) deliver(sub *Subscription, ev Event) {
	env, err := marshalEnvelope(ev)
	if err != nil {
		glog.Errorf("marshaling %s event: %s", ev.Type, err)
		return
	}
	h.send(sub, env)
}

// send never blocks the hub loop.
func (h *Hub) send(sub *Subscription, env Envelope) {
	select {
	case sub.ch <- env:
		sub.lastSent = h.clk.Now()
	default:
		// Full buffer: the subscriber loses this event. Eviction catches
		// it if it never drains.
	}
}

func (h *Hub) notifyCount(n int) {
	if h.onSubscribers != nil {
		h.onSubscribers(n)
	}
}
