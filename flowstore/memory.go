package flowstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/c360/dataplane/flow"
)

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Enqueue records req as QUEUED
func (s *MemoryStore) Enqueue(_ context.Context, req flow.Request) (Entry, error) {
	if err := req.Validate(); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, ok := s.entries[req.ProcessID()]
	if !ok {
		entry = newEntry(req, now)
	} else if err := entry.resubmit(req, now); err != nil {
		return Entry{}, err
	}
	s.entries[entry.ProcessID] = entry
	return entry.clone(), nil
}

// Withdraw undoes a QUEUED entry created by Enqueue with token
func (s *MemoryStore) Withdraw(_ context.Context, processID string, token uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[processID]
	if !ok {
		return notFound("Withdraw", processID)
	}
	restored, err := entry.withdraw(token, s.now())
	if err != nil {
		return err
	}
	if restored == nil {
		delete(s.entries, processID)
		return nil
	}
	s.entries[processID] = *restored
	return nil
}

// Lease moves a QUEUED entry to IN_PROCESS
func (s *MemoryStore) Lease(_ context.Context, processID, owner string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[processID]
	if !ok {
		return Entry{}, notFound("Lease", processID)
	}
	if err := entry.lease(owner, s.now()); err != nil {
		return Entry{}, err
	}
	s.entries[processID] = entry
	return entry.clone(), nil
}

// Complete marks a leased entry COMPLETED
func (s *MemoryStore) Complete(_ context.Context, processID string, token uint64) error {
	return s.finish("Complete", processID, token, StateCompleted, nil)
}

// Fail marks a leased entry FAILED
func (s *MemoryStore) Fail(_ context.Context, processID string, token uint64, messages []string) error {
	return s.finish("Fail", processID, token, StateFailed, messages)
}

func (s *MemoryStore) finish(method, processID string, token uint64, state State, messages []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[processID]
	if !ok {
		return notFound(method, processID)
	}
	if err := entry.finish(method, token, state, messages, s.now()); err != nil {
		return err
	}
	s.entries[processID] = entry
	return nil
}

// Get returns the entry for processID
func (s *MemoryStore) Get(_ context.Context, processID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[processID]
	if !ok {
		return Entry{}, notFound("Get", processID)
	}
	return entry.clone(), nil
}

// Delete removes an entry
func (s *MemoryStore) Delete(_ context.Context, processID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[processID]; !ok {
		return notFound("Delete", processID)
	}
	delete(s.entries, processID)
	return nil
}

// List returns entries in any of states, oldest first
func (s *MemoryStore) List(_ context.Context, states ...State) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		if len(states) == 0 || slices.Contains(states, entry.State) {
			out = append(out, entry.clone())
		}
	}
	sortEntries(out)
	return out, nil
}

// Recover re-queues IN_PROCESS entries and returns all QUEUED ones
func (s *MemoryStore) Recover(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []Entry
	for id, entry := range s.entries {
		switch entry.State {
		case StateInProcess:
			entry.requeue(entry.Request, now)
			s.entries[id] = entry
		case StateQueued:
		default:
			continue
		}
		out = append(out, entry.clone())
	}
	sortEntries(out)
	return out, nil
}

func sortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ProcessID, b.ProcessID))
	})
}
