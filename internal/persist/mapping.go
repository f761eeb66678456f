package persist

import (
	"maps"
	"strings"
	"sync"
)

// Mapping resolves a local organization identifier (org code or store
// name) to the remote entity id. It is loaded once per run and read-only
// afterwards, apart from gap filling with static entries.
type Mapping struct {
	mu  sync.RWMutex
	ids map[string]string
}

// NewMapping returns a mapping over entries.
func NewMapping(entries map[string]string) *Mapping {
	m := &Mapping{ids: make(map[string]string, len(entries))}
	m.Fill(entries)
	return m
}

// Fill adds entries whose key is not mapped yet.
func (m *Mapping) Fill(entries map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range entries {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		if _, ok := m.ids[k]; !ok {
			m.ids[k] = v
		}
	}
}

// Lookup returns the remote id of org.
func (m *Mapping) Lookup(org string) (string, bool) {
	if m == nil {
		return "", false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.ids[strings.TrimSpace(org)]
	return id, ok
}

// Len is the number of mapped identifiers.
func (m *Mapping) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// Entries returns a copy of the mapping.
func (m *Mapping) Entries() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.ids)
}

// Replace swaps the whole mapping for entries. Sinks holding m see the new
// ids on their next lookup.
func (m *Mapping) Replace(entries map[string]string) {
	fresh := NewMapping(entries)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = fresh.ids
}
