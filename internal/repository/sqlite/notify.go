package sqlite

import "sync"

// Op is the kind of change a subscriber is told about.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change describes one committed row change.
type Change struct {
	Table string
	ID    string
	Op    Op
}

// Subscription delivers committed changes for the tables it was opened with,
// in commit order. Delivery never blocks writers; a slow reader only grows its
// own backlog.
type Subscription struct {
	C <-chan Change

	out    chan Change
	tables map[string]struct{}
	hub    *hub

	mu      sync.Mutex
	backlog []Change
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Close stops delivery and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.done)
	})
}

func (s *Subscription) wants(table string) bool {
	if len(s.tables) == 0 {
		return true
	}
	_, ok := s.tables[table]
	return ok
}

func (s *Subscription) push(changes []Change) {
	s.mu.Lock()
	for _, c := range changes {
		if s.wants(c.Table) {
			s.backlog = append(s.backlog, c)
		}
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.backlog
		s.backlog = nil
		s.mu.Unlock()

		for _, c := range batch {
			select {
			case s.out <- c:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

type hub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[*Subscription]struct{})}
}

func (h *hub) publish(changes []Change) {
	if len(changes) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		sub.push(changes)
	}
}

func (h *hub) remove(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

func (h *hub) closeAll() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

// Subscribe registers interest in the given tables (all tables when none are
// named).
func (s *Store) Subscribe(tables ...string) *Subscription {
	out := make(chan Change)
	sub := &Subscription{
		C:      out,
		out:    out,
		tables: make(map[string]struct{}, len(tables)),
		hub:    s.hub,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, t := range tables {
		sub.tables[t] = struct{}{}
	}

	s.hub.mu.Lock()
	s.hub.subs[sub] = struct{}{}
	s.hub.mu.Unlock()

	go sub.pump()
	return sub
}
