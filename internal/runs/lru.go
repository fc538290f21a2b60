package runs

import "sync"

// LRUStore is a bounded in-memory Store that evicts the least recently
// used run once capacity is reached.
type LRUStore struct {
	mu  sync.Mutex
	cap int

	// Doubly-linked list, most recent at head.
	head, tail *lruEntry
	items      map[string]*lruEntry
}

type lruEntry struct {
	run        *Run
	prev, next *lruEntry
}

// NewLRUStore creates a store holding at most cap runs. Capacity must be >= 1.
func NewLRUStore(cap int) *LRUStore {
	if cap < 1 {
		cap = 1
	}
	return &LRUStore{
		cap:   cap,
		items: make(map[string]*lruEntry, cap),
	}
}

// Save inserts or replaces a run and marks it most recently used.
func (s *LRUStore) Save(run *Run) error {
	cp := *run

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.items[run.ID]; ok {
		e.run = &cp
		s.moveToFront(e)
		return nil
	}
	e := &lruEntry{run: &cp}
	s.items[run.ID] = e
	s.pushFront(e)
	if len(s.items) > s.cap {
		s.evict()
	}
	return nil
}

// Load returns a copy of the run with the given ID.
func (s *LRUStore) Load(id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.moveToFront(e)
	cp := *e.run
	return &cp, nil
}

// Len returns the number of runs held.
func (s *LRUStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *LRUStore) pushFront(e *lruEntry) {
	e.prev = nil
	e.next = s.head
	if s.head != nil {
		s.head.prev = e
	}
	s.head = e
	if s.tail == nil {
		s.tail = e
	}
}

func (s *LRUStore) moveToFront(e *lruEntry) {
	if s.head == e {
		return
	}
	s.unlink(e)
	s.pushFront(e)
}

func (s *LRUStore) unlink(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		s.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (s *LRUStore) evict() {
	if s.tail == nil {
		return
	}
	e := s.tail
	s.unlink(e)
	delete(s.items, e.run.ID)
}
