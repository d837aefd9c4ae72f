package storage

import (
	"context"
	"sync"
)

// Session is an in-memory KV that lives as long as the process.
type Session struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ KV = (*Session)(nil)

func NewSession() *Session {
	return &Session{data: make(map[string][]byte)}
}

func (s *Session) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *Session) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *Session) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}
