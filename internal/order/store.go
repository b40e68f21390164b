package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned when no order matches the requested id.
var ErrNotFound = errors.New("order not found")

// Store persists orders as a JSON array in a single file. Writes go through
// a temp file and rename so a crash never leaves a half-written store, and
// a process-wide lock serializes HTTP handlers against the engine tick.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store at path, creating the parent directory.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create orders dir: %w", err)
	}
	return &Store{path: path}, nil
}

func (s *Store) load() ([]*Order, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read orders: %w", err)
	}
	var orders []*Order
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	return orders, nil
}

func (s *Store) write(orders []*Order) error {
	data, err := json.MarshalIndent(orders, "", "  ")
	if err != nil {
		return fmt.Errorf("encode orders: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write orders: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace orders: %w", err)
	}
	return nil
}

// All returns every order in file order.
func (s *Store) All() ([]*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Get returns the order with the given id.
func (s *Store) Get(id string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orders, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		if o.ID == id {
			return o, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Append adds a new order to the end of the store.
func (s *Store) Append(o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	orders, err := s.load()
	if err != nil {
		return err
	}
	return s.write(append(orders, o))
}

// Update applies mutate to the order with the given id and persists the
// result atomically under the store lock.
func (s *Store) Update(id string, mutate func(*Order) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	orders, err := s.load()
	if err != nil {
		return err
	}
	for _, o := range orders {
		if o.ID == id {
			if err := mutate(o); err != nil {
				return err
			}
			o.Touch()
			return s.write(orders)
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// MergeChanged writes back only the given orders, re-reading the file first
// so concurrent appends survive. For ids present in both, the changed copy
// wins; the tick that touched an order is authoritative for it.
func (s *Store) MergeChanged(changed map[string]*Order) error {
	if len(changed) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	orders, err := s.load()
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(changed))
	for i, o := range orders {
		if c, ok := changed[o.ID]; ok {
			orders[i] = c
			seen[o.ID] = true
		}
	}
	for id, c := range changed {
		if !seen[id] {
			orders = append(orders, c)
		}
	}
	return s.write(orders)
}
