// Package hub fans out live readings and session state to any number of
// subscribers without letting a slow subscriber block the publisher.
package hub

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"codeberg.org/mutker/thermalmon/internal/logger"
)

type Topic string

const (
	TopicElapsed Topic = "elapsed"
	TopicStatus  Topic = "status"
	TopicBattery Topic = "battery"
	TopicThermal Topic = "thermal"
	TopicSoc     Topic = "soc"
	TopicDomains Topic = "domains"
	TopicState   Topic = "state"
)

// Topics lists every topic in a stable order.
var Topics = []Topic{TopicElapsed, TopicStatus, TopicBattery, TopicThermal, TopicSoc, TopicDomains, TopicState}

func ParseTopic(s string) (Topic, bool) {
	t := Topic(s)
	return t, slices.Contains(Topics, t)
}

type Event struct {
	Seq     uint64    `json:"seq"`
	Topic   Topic     `json:"topic"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

const defaultBuffer = 64

type Option func(*Hub)

// WithBuffer sets the per-subscriber queue length.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithLogger(log logger.Logger) Option {
	return func(h *Hub) {
		h.log = log
	}
}

// Hub serializes every publication through one lock, so all subscribers see
// events in the same sequence order.
type Hub struct {
	mu     sync.Mutex
	seq    uint64
	subs   map[*Subscription]struct{}
	last   map[Topic]Event
	buffer int
	closed bool
	log    logger.Logger
}

func New(opts ...Option) *Hub {
	h := &Hub{
		subs:   make(map[*Subscription]struct{}),
		last:   make(map[Topic]Event),
		buffer: defaultBuffer,
		log:    logger.Nop(),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Subscription receives events for its topics until it is unsubscribed,
// evicted for falling behind, or the hub is closed. In all three cases its
// channel is closed.
type Subscription struct {
	hub    *Hub
	ch     chan Event
	topics map[Topic]bool
	done   bool
}

func (s *Subscription) C() <-chan Event {
	return s.ch
}

func (s *Subscription) wants(t Topic) bool {
	return s.topics == nil || s.topics[t]
}

// Unsubscribe is idempotent.
func (s *Subscription) Unsubscribe() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
}

// Subscribe registers a subscriber for topics, or for every topic when none
// are given. The latest event of each requested topic is replayed first.
func (h *Hub) Subscribe(topics ...Topic) *Subscription {
	s := &Subscription{hub: h, ch: make(chan Event, h.buffer)}
	if len(topics) > 0 {
		s.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			s.topics[t] = true
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		s.done = true
		close(s.ch)
		return s
	}

	h.subs[s] = struct{}{}

	replay := make([]Event, 0, len(h.last))
	for t, ev := range h.last {
		if s.wants(t) {
			replay = append(replay, ev)
		}
	}
	slices.SortFunc(replay, func(a, b Event) int {
		return cmp.Compare(a.Seq, b.Seq)
	})

	for _, ev := range replay {
		if !h.deliverLocked(s, ev) {
			break
		}
	}

	return s
}

// Publish stamps and delivers an event. It never blocks on subscribers.
func (h *Hub) Publish(topic Topic, payload any) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	ev := Event{Seq: h.seq, Topic: topic, Time: time.Now(), Payload: payload}

	if h.closed {
		return ev
	}

	h.last[topic] = ev

	for s := range h.subs {
		if s.wants(topic) {
			h.deliverLocked(s, ev)
		}
	}

	return ev
}

func (h *Hub) deliverLocked(s *Subscription, ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		h.log.Warn().Uint64("seq", ev.Seq).Msg("Subscriber queue full, evicting")
		h.removeLocked(s)
		return false
	}
}

func (h *Hub) removeLocked(s *Subscription) {
	if s.done {
		return
	}

	s.done = true
	delete(h.subs, s)
	close(s.ch)
}

// Last returns the most recent event published on topic.
func (h *Hub) Last(topic Topic) (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ev, ok := h.last[topic]
	return ev, ok
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription. Later publications are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for s := range h.subs {
		h.removeLocked(s)
	}
}
