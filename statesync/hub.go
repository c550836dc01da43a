package statesync

import "sync"

// DefaultSubscriberBuffer is the per-subscriber channel capacity.
const DefaultSubscriberBuffer = 64

// Sub is one subscription to the change feed. Changes arrive in version
// order. A subscriber that stops draining is disconnected once its buffer
// fills: its channel is closed and it must catch up via ChangesSince.
// Delivery is never reordered to accommodate a slow consumer.
type Sub struct {
	ch   chan Change
	hub  *hub
	once sync.Once
}

// Changes returns the receive side of the subscription. The channel closes
// when the subscription ends, by Close or by disconnect.
func (s *Sub) Changes() <-chan Change {
	return s.ch
}

// Close ends the subscription. Safe to call more than once.
func (s *Sub) Close() {
	s.hub.drop(s)
}

type hub struct {
	mu     sync.Mutex
	subs   map[*Sub]struct{}
	buffer int
	closed bool
}

func newHub(buffer int) *hub {
	if buffer < 1 {
		buffer = DefaultSubscriberBuffer
	}
	return &hub{
		subs:   make(map[*Sub]struct{}),
		buffer: buffer,
	}
}

func (h *hub) subscribe() *Sub {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &Sub{
		ch:  make(chan Change, h.buffer),
		hub: h,
	}
	if h.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// publish delivers c to every subscriber without blocking. A full buffer
// means the subscriber is disconnected on the spot.
func (h *hub) publish(c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- c.Clone():
		default:
			s.once.Do(func() { close(s.ch) })
			delete(h.subs, s)
		}
	}
}

func (h *hub) drop(s *Sub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
	}
	s.once.Do(func() { close(s.ch) })
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		s.once.Do(func() { close(s.ch) })
		delete(h.subs, s)
	}
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
