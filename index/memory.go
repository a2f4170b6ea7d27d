package index

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory is an in-process Publisher used in tests and drains.
type Memory struct {
	mu   sync.Mutex
	docs map[string]map[string]json.RawMessage
}

var _ Publisher = (*Memory)(nil)

// NewMemory creates an empty in-memory publisher.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]map[string]json.RawMessage)}
}

// Publish upserts doc under docID.
func (m *Memory) Publish(_ context.Context, collection, docID string, doc json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string]json.RawMessage)
	}
	m.docs[collection][docID] = append(json.RawMessage(nil), doc...)
	return nil
}

// Delete removes the document with docID.
func (m *Memory) Delete(_ context.Context, collection, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs[collection], docID)
	return nil
}

// Get returns the stored document, if present.
func (m *Memory) Get(collection, docID string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[collection][docID]
	return doc, ok
}

// Len returns how many documents a collection holds.
func (m *Memory) Len(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs[collection])
}
