package storage

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
)

const maxMenuSizes = 10

var (
	// ErrInvalidMenu indicates the provided capacities violate validation rules.
	ErrInvalidMenu = errors.New("capacity menu must contain between 1 and 10 positive integers")
	// ErrInvalidClient indicates an empty client key.
	ErrInvalidClient = errors.New("client key must not be empty")
	// ErrMenuNotFound is returned when no menu is configured for a client.
	ErrMenuNotFound = errors.New("capacity menu not found")
)

var defaultMenus = map[string][]int{
	"CBL": {21, 15},
	"TAC": {21},
	"HCI": {22, 11},
	"PRM": {20},
	"IDL": {22, 10},
	"WYB": {21, 10},
}

// MenuStorage provides access to the capacity menus used by the allocator.
type MenuStorage interface {
	GetMenus() (map[string][]int, error)
	GetMenu(client string) ([]int, error)
	SetMenu(client string, capacities []int) error
	DeleteMenu(client string) error
}

// MemoryMenuStorage keeps capacity menus in-memory and guards access with a RWMutex.
type MemoryMenuStorage struct {
	mu    sync.RWMutex
	menus map[string][]int
}

// NewMemoryMenuStorage initialises storage with a copy of the default menus.
func NewMemoryMenuStorage() *MemoryMenuStorage {
	return &MemoryMenuStorage{
		menus: DefaultMenus(),
	}
}

// DefaultMenus returns a copy of the built-in client menus.
func DefaultMenus() map[string][]int {
	return cloneMenus(defaultMenus)
}

// GetMenus returns a copy of every configured menu.
func (s *MemoryMenuStorage) GetMenus() (map[string][]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return cloneMenus(s.menus), nil
}

// GetMenu returns a copy of one client's menu.
func (s *MemoryMenuStorage) GetMenu(client string) ([]int, error) {
	key := normalizeClient(client)

	s.mu.RLock()
	defer s.mu.RUnlock()

	menu, ok := s.menus[key]
	if !ok {
		return nil, ErrMenuNotFound
	}
	return slices.Clone(menu), nil
}

// SetMenu validates, normalises, and stores a client's menu.
func (s *MemoryMenuStorage) SetMenu(client string, capacities []int) error {
	key := normalizeClient(client)
	if key == "" {
		return ErrInvalidClient
	}
	normalized, err := NormalizeMenu(capacities)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.menus[key] = normalized
	s.mu.Unlock()

	return nil
}

// DeleteMenu removes a client's menu.
func (s *MemoryMenuStorage) DeleteMenu(client string) error {
	key := normalizeClient(client)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.menus[key]; !ok {
		return ErrMenuNotFound
	}
	delete(s.menus, key)
	return nil
}

// NormalizeMenu deduplicates capacities and sorts them largest first.
func NormalizeMenu(capacities []int) ([]int, error) {
	if len(capacities) == 0 {
		return nil, ErrInvalidMenu
	}

	unique := make(map[int]struct{}, len(capacities))
	for _, size := range capacities {
		if size <= 0 {
			return nil, ErrInvalidMenu
		}
		unique[size] = struct{}{}
		if len(unique) > maxMenuSizes {
			return nil, ErrInvalidMenu
		}
	}

	out := make([]int, 0, len(unique))
	for size := range unique {
		out = append(out, size)
	}
	slices.Sort(out)
	slices.Reverse(out)
	return out, nil
}

// ParseCapacities parses a comma-separated string of capacities into a slice of integers.
// It validates that all values are positive integers.
func ParseCapacities(raw string) ([]int, error) {
	parts := strings.Split(raw, ",")
	sizes := make([]int, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		value, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", part)
		}
		if value <= 0 {
			return nil, fmt.Errorf("capacity must be positive, got %d", value)
		}
		sizes = append(sizes, value)
	}
	if len(sizes) == 0 {
		return nil, fmt.Errorf("no capacities provided")
	}
	return sizes, nil
}

func normalizeClient(client string) string {
	return strings.ToUpper(strings.TrimSpace(client))
}

func cloneMenus(src map[string][]int) map[string][]int {
	out := make(map[string][]int, len(src))
	for client, menu := range src {
		out[client] = slices.Clone(menu)
	}
	return out
}
