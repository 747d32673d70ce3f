package storage

import (
	"context"
	"sync"
)

// Memory keeps payloads in a map for the lifetime of the process.
type Memory struct {
	mu sync.RWMutex
	m  map[string][]byte
}

var _ Storage = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{m: make(map[string][]byte)}
}

func (s *Memory) Name() string { return "memory" }

func (s *Memory) Put(_ context.Context, id string, payload []byte) (err error) {
	defer observe("memory", "put")(&err)
	cp := append([]byte(nil), payload...)
	s.mu.Lock()
	s.m[id] = cp
	s.mu.Unlock()
	return nil
}

func (s *Memory) Get(_ context.Context, id string) (_ []byte, _ bool, err error) {
	defer observe("memory", "get")(&err)
	s.mu.RLock()
	v, ok := s.m[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *Memory) Remove(_ context.Context, id string) (err error) {
	defer observe("memory", "remove")(&err)
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
	return nil
}

func (s *Memory) Clear(_ context.Context) error {
	s.mu.Lock()
	s.m = make(map[string][]byte)
	s.mu.Unlock()
	return nil
}

func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

func (s *Memory) Close() error { return nil }
