package presence

import (
	"sync"
)

// Store is the single source of truth for presence data. Every mutation goes
// through one of the Apply*/Set* entry points under the store mutex, so
// interleavings of the socket's inbound path and the location sampler still
// produce a well-defined final state. Consumers never see the internal map.
type Store struct {
	mu      sync.RWMutex
	records map[string]Record
	conn    ConnState
	changes chan struct{}
}

func NewStore() *Store {
	return &Store{
		records: make(map[string]Record),
		conn:    ConnConnecting,
		changes: make(chan struct{}, 1),
	}
}

// Changes delivers a coalesced tick after every mutation. Multiple writes
// between reads collapse into one tick; consumers re-read the store on each.
func (s *Store) Changes() <-chan struct{} {
	return s.changes
}

func (s *Store) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// All returns a copy of every known record, keyed by user code.
func (s *Store) All() map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Record, len(s.records))
	for code, r := range s.records {
		out[code] = r
	}
	return out
}

func (s *Store) Get(code string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[code]
	return r, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// ApplySnapshot merges every record of a full server snapshot into the table.
// Users absent from the snapshot are kept: entries learned from deltas between
// snapshots must survive, so a snapshot is additive, never a replace.
func (s *Store) ApplySnapshot(records []Record) {
	s.mu.Lock()
	for _, r := range records {
		if r.UserCode == "" {
			continue
		}
		s.records[r.UserCode] = r
	}
	s.mu.Unlock()
	s.notify()
}

// ApplyDelta merges a partial update for one user, creating the record if it
// does not exist yet. Unsupplied fields keep their previous values.
func (s *Store) ApplyDelta(code string, u Update) {
	if code == "" {
		return
	}
	s.mu.Lock()
	s.records[code] = merge(s.records[code], u)
	s.mu.Unlock()
	s.notify()
}

// ApplyLeave removes the user entirely. A later delta for the same code starts
// from a zero record; old field values do not resurrect.
func (s *Store) ApplyLeave(code string) {
	s.mu.Lock()
	_, existed := s.records[code]
	delete(s.records, code)
	s.mu.Unlock()
	if existed {
		s.notify()
	}
}

// SetSelf is the optimistic local write for our own record, used before and
// independently of server confirmation. Same merge semantics as ApplyDelta;
// the name marks call sites that bypass the server.
func (s *Store) SetSelf(code string, u Update) {
	s.ApplyDelta(code, u)
}

func (s *Store) SetConnState(state ConnState) {
	s.mu.Lock()
	changed := s.conn != state
	s.conn = state
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

func (s *Store) ConnState() ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// Reset drops every record, for logout.
func (s *Store) Reset() {
	s.mu.Lock()
	s.records = make(map[string]Record)
	s.mu.Unlock()
	s.notify()
}
