// Package demo holds the object exposed by comlinkd and driven by
// comlink-client.
package demo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	comlink "github.com/smnsjas/go-comlink"
	"github.com/smnsjas/go-comlink/objects"
)

// Service is the exposed root.
type Service struct {
	Name    string         `json:"name"`
	Store   *Store         `json:"store"`
	Counter *objects.Class `json:"counter"`

	onRelease func()
}

// NewService returns a Service named name. onRelease, if non-nil, runs when
// the remote side releases it.
func NewService(name string, onRelease func()) *Service {
	return &Service{
		Name:      name,
		Store:     NewStore(),
		Counter:   objects.NewClass(NewCounter),
		onRelease: onRelease,
	}
}

// Add returns a + b.
func (s *Service) Add(a, b float64) float64 {
	return a + b
}

// Echo returns v unchanged.
func (s *Service) Echo(v any) any {
	return v
}

// Map calls fn for every value and collects the results. fn is usually a
// proxied callback living on the client.
func (s *Service) Map(ctx context.Context, values []float64, fn func(context.Context, float64) (float64, error)) ([]float64, error) {
	out := make([]float64, 0, len(values))
	for i, v := range values {
		mapped, err := fn(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("map value %d: %w", i, err)
		}
		out = append(out, mapped)
	}
	return out, nil
}

// Sleep waits for ms milliseconds or until the exposure is released.
func (s *Service) Sleep(ctx context.Context, ms int) error {
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fail returns an error carrying msg and a stack trace.
func (s *Service) Fail(msg string) error {
	return comlink.NewError(msg)
}

// Finalize implements comlink.Finalizer.
func (s *Service) Finalize() {
	if s.onRelease != nil {
		s.onRelease()
	}
}

// Counter is constructed remotely through Service.Counter.
type Counter struct {
	mu    sync.Mutex
	Value int `json:"value"`
}

// NewCounter returns a Counter starting at start.
func NewCounter(start int) *Counter {
	return &Counter{Value: start}
}

// Increment adds n and returns the new value.
func (c *Counter) Increment(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Value += n
	return c.Value
}

// Store is a concurrency-safe key/value map addressed by path segments:
// store.<key> reads and assigns entries.
type Store struct {
	mu      sync.RWMutex
	entries map[string]any
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{entries: make(map[string]any)}
}

// GetProperty implements objects.PropertyGetter. The Keys and Delete
// methods take precedence over entries of the same name.
func (s *Store) GetProperty(name string) (any, bool) {
	switch name {
	case "keys":
		return s.Keys, true
	case "delete":
		return s.Delete, true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[name]
	return v, ok
}

// SetProperty implements objects.PropertySetter.
func (s *Store) SetProperty(name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[name] = value
	return nil
}

// Keys returns the stored keys in order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Delete removes key and reports whether it existed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok
}
