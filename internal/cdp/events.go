package cdp

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Domain names a CDP domain, derived from the prefix of a method name.
// The protocol is open-ended, so any prefix is a valid Domain; the constants
// below cover the set the client enables by default.
type Domain string

const (
	DomainNetwork Domain = "Network"
	DomainRuntime Domain = "Runtime"
	DomainPage    Domain = "Page"
	DomainDOM     Domain = "DOM"
	DomainConsole Domain = "Console"
	DomainInput   Domain = "Input"
	DomainUnknown Domain = "Unknown"
)

// defaultDomains are enabled on every client at start.
var defaultDomains = []Domain{
	DomainNetwork,
	DomainRuntime,
	DomainPage,
	DomainDOM,
	DomainConsole,
	DomainInput,
}

// DomainOf derives the domain from a dot-separated CDP method name.
func DomainOf(method string) Domain {
	if i := strings.IndexByte(method, '.'); i > 0 {
		return Domain(method[:i])
	}
	return DomainUnknown
}

// Event is an unsolicited frame pushed by the browser. Immutable once built.
type Event struct {
	Method    string          `json:"method"`
	Domain    Domain          `json:"domain"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventStore holds bounded per-domain event buffers plus a bounded catch-all
// queue. Appends never block: domain buffers evict their oldest entry on
// overflow and the catch-all queue drops the event when full.
type EventStore struct {
	capacity int

	mu      sync.Mutex
	buffers map[Domain][]Event

	catchAll chan Event
}

// NewEventStore creates a store with the given per-domain buffer capacity and
// catch-all queue capacity.
func NewEventStore(bufferCapacity, queueCapacity int) *EventStore {
	if bufferCapacity <= 0 {
		bufferCapacity = 100
	}
	if queueCapacity <= 0 {
		queueCapacity = 1000
	}
	return &EventStore{
		capacity: bufferCapacity,
		buffers:  make(map[Domain][]Event),
		catchAll: make(chan Event, queueCapacity),
	}
}

// Append records an event in its domain buffer and offers it to the catch-all
// queue without blocking.
func (s *EventStore) Append(ev Event) {
	s.mu.Lock()
	buf := s.buffers[ev.Domain]
	if len(buf) >= s.capacity {
		buf = buf[1:]
	}
	s.buffers[ev.Domain] = append(buf, ev)
	s.mu.Unlock()

	select {
	case s.catchAll <- ev:
	default:
		// Queue full. Dropping is deliberate: the receive loop must never block.
	}
}

// Recent returns up to limit most recent events for a domain, oldest first.
// The buffer is not modified.
func (s *EventStore) Recent(domain Domain, limit int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.buffers[domain]
	if limit <= 0 || limit > len(buf) {
		limit = len(buf)
	}
	out := make([]Event, limit)
	copy(out, buf[len(buf)-limit:])
	return out
}

// Drain removes and returns up to limit events from the catch-all queue.
func (s *EventStore) Drain(limit int) []Event {
	if limit <= 0 {
		limit = cap(s.catchAll)
	}
	out := make([]Event, 0, limit)
	for len(out) < limit {
		select {
		case ev := <-s.catchAll:
			out = append(out, ev)
		default:
			return out
		}
	}
	return out
}

// Clear empties one domain buffer.
func (s *EventStore) Clear(domain Domain) {
	s.mu.Lock()
	delete(s.buffers, domain)
	s.mu.Unlock()
}

// ClearAll empties every domain buffer and the catch-all queue.
func (s *EventStore) ClearAll() {
	s.mu.Lock()
	s.buffers = make(map[Domain][]Event)
	s.mu.Unlock()

	for {
		select {
		case <-s.catchAll:
		default:
			return
		}
	}
}

// Len reports the current size of a domain buffer.
func (s *EventStore) Len(domain Domain) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers[domain])
}
