// Package storagetest provides an in-memory content-addressed store for tests.
package storagetest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/vidchain/vidchain/internal/storage"
)

// Memory is a storage.Store that keeps content in a map keyed by CID.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int

	// Err, when set, fails every Put with a transport error.
	Err error
	// Reject, when set, fails every Put with this rejection.
	Reject *storage.RejectedError
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, _ string, r io.Reader) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++

	if m.Reject != nil {
		return "", m.Reject
	}
	if m.Err != nil {
		return "", fmt.Errorf("%w: %w", storage.ErrUpload, m.Err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: %w", storage.ErrUpload, err)
	}
	id := storage.CIDOf(data)
	m.objects[id] = data
	return id, nil
}

func (m *Memory) URL(contentHash string) string {
	return storage.GatewayURL("https://gateway.test/ipfs", contentHash)
}

func (m *Memory) Get(contentHash string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[contentHash]
	return data, ok
}

func (m *Memory) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
