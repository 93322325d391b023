// Package events fans job progress and status events out to live subscribers.
//
// Each job ID is a topic. Topics exist while they have subscribers; an event
// published to a topic nobody is subscribed to is dropped. Every subscriber
// reads the topic's event log at its own cursor, so all subscribers see every
// event published after they subscribed, in publish order.
package events

import (
	"context"
	"encoding/json"
	"iter"
	"sync"
	"time"
)

// Event is a sequenced payload on a job topic.
type Event struct {
	Seq       int64           `json:"seq"`
	JobID     string          `json:"jobId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type topic struct {
	nextSeq int64
	log     []Event
	subs    map[*Subscription]struct{}
	notify  chan struct{}
}

// Hub is an in-process event fan-out. The zero value is not usable; call NewHub.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]*topic)}
}

// Publish appends payload to the job's topic. It reports false when the
// topic has no subscribers and the event was dropped.
func (h *Hub) Publish(jobID string, payload json.RawMessage) (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[jobID]
	if !ok {
		return Event{}, false
	}
	t.nextSeq++
	e := Event{
		Seq:       t.nextSeq,
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	t.log = append(t.log, e)
	close(t.notify)
	t.notify = make(chan struct{})
	return e, true
}

// Subscribers returns the number of live subscriptions on the job's topic.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[jobID]; ok {
		return len(t.subs)
	}
	return 0
}

// Subscribe attaches to the job's topic, creating it if needed. The
// subscription receives events published from now on. It ends and detaches
// when ctx is done or Close is called.
func (h *Hub) Subscribe(ctx context.Context, jobID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[jobID]
	if !ok {
		t = &topic{
			subs:   make(map[*Subscription]struct{}),
			notify: make(chan struct{}),
		}
		h.topics[jobID] = t
	}
	s := &Subscription{
		hub:    h,
		jobID:  jobID,
		topic:  t,
		cursor: t.nextSeq,
		ctx:    ctx,
		done:   make(chan struct{}),
	}
	t.subs[s] = struct{}{}
	context.AfterFunc(ctx, s.Close)
	return s
}

// Subscription is one subscriber's view of a topic.
type Subscription struct {
	hub    *Hub
	jobID  string
	topic  *topic
	cursor int64
	ctx    context.Context
	done   chan struct{}
	once   sync.Once
}

// Events returns the lazy sequence of events. Iteration blocks until the next
// event arrives and stops when the subscription ends.
func (s *Subscription) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			batch, wait, ok := s.next()
			if !ok {
				return
			}
			for _, e := range batch {
				if !yield(e) {
					return
				}
			}
			if len(batch) > 0 {
				continue
			}
			select {
			case <-s.ctx.Done():
				return
			case <-s.done:
				return
			case <-wait:
			}
		}
	}
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		h := s.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(s.topic.subs, s)
		if len(s.topic.subs) == 0 {
			if h.topics[s.jobID] == s.topic {
				delete(h.topics, s.jobID)
			}
			return
		}
		s.topic.trim()
	})
}

// next returns the events after the cursor and advances it.
func (s *Subscription) next() ([]Event, <-chan struct{}, bool) {
	select {
	case <-s.done:
		return nil, nil, false
	default:
	}
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	t := s.topic
	var batch []Event
	if len(t.log) > 0 {
		first := t.log[0].Seq
		if start := s.cursor - first + 1; start < int64(len(t.log)) {
			if start < 0 {
				start = 0
			}
			batch = append(batch, t.log[start:]...)
			s.cursor = batch[len(batch)-1].Seq
			t.trim()
		}
	}
	return batch, t.notify, true
}

// trim drops log entries every subscriber has read. Callers hold the hub lock.
func (t *topic) trim() {
	if len(t.log) == 0 {
		return
	}
	low := t.nextSeq
	for s := range t.subs {
		low = min(low, s.cursor)
	}
	n := 0
	for n < len(t.log) && t.log[n].Seq <= low {
		n++
	}
	if n > 0 {
		t.log = append([]Event(nil), t.log[n:]...)
	}
}
