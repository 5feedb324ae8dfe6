package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Memory is a map-backed Store for dev and tests.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string]json.RawMessage
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]json.RawMessage)}
}

func (m *Memory) Get(_ context.Context, collection, id string, out any) error {
	m.mu.RLock()
	raw, ok := m.data[collection][id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(raw, out)
}

func (m *Memory) Query(_ context.Context, collection string, filter Filter, out any) error {
	m.mu.RLock()
	var matched []json.RawMessage
	for _, raw := range m.data[collection] {
		ok, err := matches(raw, filter)
		if err != nil {
			m.mu.RUnlock()
			return err
		}
		if ok {
			matched = append(matched, raw)
		}
	}
	m.mu.RUnlock()

	arr, err := json.Marshal(matched)
	if err != nil {
		return err
	}
	return json.Unmarshal(arr, out)
}

func (m *Memory) Create(_ context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collection(collection)[id] = raw
	return nil
}

func (m *Memory) CreateIfAbsent(_ context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	col := m.collection(collection)
	if _, ok := col[id]; ok {
		return ErrExists
	}
	col[id] = raw
	return nil
}

func (m *Memory) Update(_ context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	col := m.collection(collection)
	if _, ok := col[id]; !ok {
		return ErrNotFound
	}
	col[id] = raw
	return nil
}

func (m *Memory) Mutate(_ context.Context, collection, id string, fn func(raw []byte) (any, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	col := m.collection(collection)
	raw, ok := col[id]
	if !ok {
		return ErrNotFound
	}
	next, err := fn(raw)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(next)
	if err != nil {
		return err
	}
	col[id] = encoded
	return nil
}

func (m *Memory) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[collection], id)
	return nil
}

// collection returns the named map, creating it on first use. Caller holds mu.
func (m *Memory) collection(name string) map[string]json.RawMessage {
	col, ok := m.data[name]
	if !ok {
		col = make(map[string]json.RawMessage)
		m.data[name] = col
	}
	return col
}

// matches compares top-level fields by their canonical JSON encoding, so
// string ids and numbers both compare correctly.
func matches(raw json.RawMessage, filter Filter) (bool, error) {
	if len(filter) == 0 {
		return true, nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, fmt.Errorf("decode document: %w", err)
	}
	for field, want := range filter {
		got, ok := doc[field]
		if !ok {
			return false, nil
		}
		wantRaw, err := json.Marshal(want)
		if err != nil {
			return false, err
		}
		if !bytes.Equal(bytes.TrimSpace(got), wantRaw) {
			return false, nil
		}
	}
	return true, nil
}
