package alerts

import (
	"sync"

	"geotrack/internal/model"
)

// Store is a bounded in-memory ring of the most recent transition alerts.
type Store struct {
	mu    sync.RWMutex
	buf   []model.TransitionAlert
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(alert model.TransitionAlert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, alert)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = alert
}

// List returns up to limit alerts, oldest first. limit <= 0 returns everything.
func (s *Store) List(limit int) []model.TransitionAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.TransitionAlert, 0, limit)
	out = append(out, s.buf[len(s.buf)-limit:]...)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
