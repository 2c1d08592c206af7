// Package store persists the negotiation records of payments.
package store

import (
	"errors"
	"sort"
	"sync"

	"github.com/raymondfx/reference-wallet/state"
)

var ErrNotFound = errors.New("payment not found")

// Store persists records by payment reference id. Implementations must be
// safe for concurrent use.
type Store interface {
	// Get returns the record of the payment, or an error wrapping ErrNotFound.
	Get(referenceID string) (state.Record, error)
	Put(rec state.Record) error
	// ReferenceIDs returns the reference ids of all payments stored, sorted.
	ReferenceIDs() ([]string, error)
	Close() error
}

// Memory is a Store holding records in memory.
type Memory struct {
	mu      sync.RWMutex
	records map[string]state.Record
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{records: map[string]state.Record{}}
}

func (m *Memory) Get(referenceID string) (state.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[referenceID]
	if !ok {
		return state.Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) Put(rec state.Record) error {
	if rec.Payment.ReferenceID == "" {
		return errors.New("record without reference id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Payment.ReferenceID] = rec.Clone()
	return nil
}

func (m *Memory) ReferenceIDs() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	refs := make([]string, 0, len(m.records))
	for ref := range m.records {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs, nil
}

func (m *Memory) Close() error {
	return nil
}
