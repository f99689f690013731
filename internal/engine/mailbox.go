package engine

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/strata/internal/ir"
)

// NotificationKind tells subscribers how an event ended.
type NotificationKind int

const (
	// NotifyResult is sent for an event applied without error.
	NotifyResult NotificationKind = iota + 1
	// NotifyError is sent for an event recorded with an error.
	NotifyError
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyResult:
		return "result"
	case NotifyError:
		return "error"
	default:
		return "unknown"
	}
}

// Notification is delivered to subscribers after an event committed.
type Notification struct {
	Kind  NotificationKind
	Event ir.Event
}

// mailbox delivers notifications to subscribers from its own goroutine.
//
// The queue is unbounded so the writer never blocks on a slow subscriber.
// Delivery is in commit order. A panicking subscriber is logged and the
// remaining subscribers still receive the notification.
type mailbox struct {
	mu     sync.Mutex
	items  []Notification
	closed bool
	signal chan struct{} // buffered, size 1
	done   chan struct{}

	subsMu sync.Mutex
	subs   map[int]func(Notification)
	nextID int

	logger *slog.Logger
}

func newMailbox(logger *slog.Logger) *mailbox {
	m := &mailbox{
		items:  make([]Notification, 0, 64),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		subs:   make(map[int]func(Notification)),
		logger: logger,
	}
	go m.run()
	return m
}

// post queues n for delivery. It returns false once the mailbox is closed.
func (m *mailbox) post(n Notification) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.items = append(m.items, n)
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// subscribe registers fn and returns a function removing it again.
func (m *mailbox) subscribe(fn func(Notification)) func() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subsMu.Lock()
			defer m.subsMu.Unlock()
			delete(m.subs, id)
		})
	}
}

func (m *mailbox) tryTake() (Notification, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return Notification{}, false
	}
	n := m.items[0]
	m.items[0] = Notification{}
	if len(m.items) == 1 {
		m.items = m.items[:0]
	} else {
		m.items = m.items[1:]
	}
	return n, true
}

func (m *mailbox) run() {
	defer close(m.done)
	for {
		if n, ok := m.tryTake(); ok {
			m.deliver(n)
			continue
		}
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		<-m.signal
	}
}

func (m *mailbox) deliver(n Notification) {
	m.subsMu.Lock()
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Notification), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.subs[id])
	}
	m.subsMu.Unlock()

	for _, fn := range fns {
		m.call(fn, n)
	}
}

func (m *mailbox) call(fn func(Notification), n Notification) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscriber panicked",
				"version", n.Event.Version,
				"type", n.Event.Type,
				"panic", r,
			)
		}
	}()
	fn(n)
}

// close stops accepting notifications, delivers what is queued and waits
// for the delivery goroutine to exit.
func (m *mailbox) close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.signal)
	}
	m.mu.Unlock()
	<-m.done
}
