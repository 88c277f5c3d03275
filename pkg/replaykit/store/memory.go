package store

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for tests; it does not survive process restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	batches map[string]map[string]*Batch // sessionID -> filename -> batch
	markers map[string]Marker
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches: make(map[string]map[string]*Batch),
		markers: make(map[string]Marker),
	}
}

// Save implements Store.
func (s *MemoryStore) Save(batch *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	session := s.batches[batch.SessionID]
	if session == nil {
		session = make(map[string]*Batch)
		s.batches[batch.SessionID] = session
	}

	stored := *batch
	stored.Compressed = append([]byte(nil), batch.Compressed...)
	session[payloadFilename(batch.ContentType, batch.BatchNumber, batch.IsKeyframe)] = &stored
	return nil
}

// ListPending implements Store.
func (s *MemoryStore) ListPending(sessionID string) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	infos := make([]Info, 0, len(s.batches[sessionID]))
	for name, b := range s.batches[sessionID] {
		infos = append(infos, Info{
			SessionID:   sessionID,
			ContentType: b.ContentType,
			BatchNumber: b.BatchNumber,
			IsKeyframe:  b.IsKeyframe,
			SizeBytes:   int64(len(b.Compressed)),
			Filename:    name,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].BatchNumber != infos[j].BatchNumber {
			return infos[i].BatchNumber < infos[j].BatchNumber
		}
		return infos[i].Filename < infos[j].Filename
	})
	return infos, nil
}

// Load implements Store.
func (s *MemoryStore) Load(info Info) (*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	b, ok := s.batches[info.SessionID][info.Filename]
	if !ok {
		return nil, ErrNotFound
	}
	loaded := *b
	loaded.Compressed = append([]byte(nil), b.Compressed...)
	return &loaded, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(info Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	delete(s.batches[info.SessionID], info.Filename)
	return nil
}

// SaveMarker implements Store.
func (s *MemoryStore) SaveMarker(m Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now().UTC()
	}
	s.markers[m.SessionID] = m
	return nil
}

// LoadMarker implements Store.
func (s *MemoryStore) LoadMarker(sessionID string) (Marker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Marker{}, ErrStoreClosed
	}

	m, ok := s.markers[sessionID]
	if !ok {
		return Marker{}, ErrNotFound
	}
	return m, nil
}

// DeleteMarker implements Store.
func (s *MemoryStore) DeleteMarker(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	delete(s.markers, sessionID)
	return nil
}

// ListSessions implements Store.
func (s *MemoryStore) ListSessions() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	seen := make(map[string]bool)
	for sid, batches := range s.batches {
		if len(batches) > 0 {
			seen[sid] = true
		}
	}
	for sid := range s.markers {
		seen[sid] = true
	}
	sessions := make([]string, 0, len(seen))
	for sid := range seen {
		sessions = append(sessions, sid)
	}
	sort.Strings(sessions)
	return sessions, nil
}

// DeleteSession implements Store.
func (s *MemoryStore) DeleteSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	delete(s.batches, sessionID)
	delete(s.markers, sessionID)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
