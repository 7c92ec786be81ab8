package testutil

import (
	"sync"

	"github.com/developingchet/adgate/internal/popunder"
)

// OpenCall records one call to FakeOpener.Open.
type OpenCall struct {
	URL      string
	Target   string
	Features string
}

// FakeOpener implements popunder.WindowOpener. By default every open succeeds.
type FakeOpener struct {
	mu    sync.Mutex
	calls []OpenCall

	// Blocked makes Open return a nil window, like a popup blocker.
	Blocked bool
	// Err is returned from Open when set.
	Err error
	// Panic makes Open panic.
	Panic bool
}

// Open records the call and returns according to the configured failure mode.
func (f *FakeOpener) Open(url, target, features string) (popunder.Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, OpenCall{URL: url, Target: target, Features: features})
	if f.Panic {
		panic("window.open threw")
	}
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Blocked {
		return nil, nil
	}
	return struct{ id int }{len(f.calls)}, nil
}

// Calls returns a copy of the recorded calls.
func (f *FakeOpener) Calls() []OpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]OpenCall, len(f.calls))
	copy(out, f.calls)
	return out
}
