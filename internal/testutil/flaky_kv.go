package testutil

import (
	"sync"
)

// FlakyKV implements storage.KeyValueStore with an in-memory map and
// per-method error injection. All methods are safe for concurrent use.
type FlakyKV struct {
	mu   sync.Mutex
	data map[string]string

	// Persistent failure modes, e.g. storage disabled or quota exceeded.
	GetErr error
	SetErr error
	// PanicOnGet simulates a storage implementation that throws.
	PanicOnGet bool

	Gets int
	Sets int
}

// NewFlakyKV returns an empty FlakyKV.
func NewFlakyKV() *FlakyKV {
	return &FlakyKV{data: make(map[string]string)}
}

func (f *FlakyKV) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Gets++
	if f.PanicOnGet {
		panic("storage access denied")
	}
	if f.GetErr != nil {
		return "", false, f.GetErr
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *FlakyKV) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sets++
	if f.SetErr != nil {
		return f.SetErr
	}
	f.data[key] = value
	return nil
}

// Raw returns the stored value for key without counting as a Get.
func (f *FlakyKV) Raw(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}

// Put stores a value without counting as a Set.
func (f *FlakyKV) Put(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
}
