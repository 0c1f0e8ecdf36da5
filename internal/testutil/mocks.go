package testutil

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// DocumentStore is the state store surface the services depend on.
type DocumentStore interface {
	Exists(path string) bool
	ReadInto(ctx context.Context, path string, v any) error
	WriteJSON(ctx context.Context, path string, v any) error
	Write(ctx context.Context, path string, doc []byte) error
	Read(ctx context.Context, path, projection string) (json.RawMessage, error)
	Backup(ctx context.Context, path string) (string, error)
}

// FaultStore wraps a store and fails writes to paths with a given suffix.
type FaultStore struct {
	DocumentStore

	mu     sync.Mutex
	faults map[string]error
	writes []string
}

// NewFaultStore wraps inner.
func NewFaultStore(inner DocumentStore) *FaultStore {
	return &FaultStore{DocumentStore: inner, faults: make(map[string]error)}
}

// FailWrites makes writes to paths ending in suffix return err. A nil err
// clears the fault.
func (f *FaultStore) FailWrites(suffix string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.faults, suffix)
		return
	}
	f.faults[suffix] = err
}

// Writes returns the paths written successfully, in order.
func (f *FaultStore) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *FaultStore) WriteJSON(ctx context.Context, path string, v any) error {
	if err := f.fault(path); err != nil {
		return err
	}
	if err := f.DocumentStore.WriteJSON(ctx, path, v); err != nil {
		return err
	}
	f.record(path)
	return nil
}

func (f *FaultStore) Write(ctx context.Context, path string, doc []byte) error {
	if err := f.fault(path); err != nil {
		return err
	}
	if err := f.DocumentStore.Write(ctx, path, doc); err != nil {
		return err
	}
	f.record(path)
	return nil
}

func (f *FaultStore) fault(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for suffix, err := range f.faults {
		if strings.HasSuffix(path, suffix) {
			return err
		}
	}
	return nil
}

func (f *FaultStore) record(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, path)
}
