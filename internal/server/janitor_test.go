package server

import (
	"context"
	"testing"
	"time"

	"github.com/developingchet/adgate/internal/metrics"
	"github.com/developingchet/adgate/internal/storage"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func newJanitorTestStore(t *testing.T) storage.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.NewBboltStore(dir)
	if err != nil {
		t.Fatalf("NewBboltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJanitor_UpdatesGauges(t *testing.T) {
	store := newJanitorTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := store.History(id).Set("popunder_history", `{"timestamps":[1]}`); err != nil {
			t.Fatal(err)
		}
	}

	j := NewJanitor(store, nil, nil, time.Minute, zerolog.Nop())
	j.tick()

	if got := promtestutil.ToFloat64(metrics.TrackedClients); got != 3 {
		t.Errorf("tracked_clients: got %v, want 3", got)
	}
	if got := promtestutil.ToFloat64(metrics.DBSizeBytes); got <= 0 {
		t.Errorf("db_size_bytes: got %v, want > 0", got)
	}
}

func TestJanitor_NeverDeletesHistory(t *testing.T) {
	store := newJanitorTestStore(t)
	if err := store.History("a").Set("popunder_history", `{"timestamps":[1]}`); err != nil {
		t.Fatal(err)
	}

	j := NewJanitor(store, nil, nil, time.Minute, zerolog.Nop())
	j.tick()
	j.tick()

	v, ok, err := store.History("a").Get("popunder_history")
	if err != nil || !ok || v != `{"timestamps":[1]}` {
		t.Errorf("history changed by janitor: %q %v %v", v, ok, err)
	}
}

func TestJanitor_ClosedStoreDoesNotPanic(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Close()
	NewJanitor(store, nil, nil, time.Minute, zerolog.Nop()).tick()
}

func TestJanitor_SweepsRateLimiter(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	now := t0
	l := NewRateLimiter(1, 1, WithIdleTTL(time.Minute))
	l.now = func() time.Time { return now }
	l.Allow("192.0.2.1")
	l.Allow("192.0.2.2")

	now = now.Add(2 * time.Minute)
	l.Allow("192.0.2.3")

	NewJanitor(store, nil, l, time.Minute, zerolog.Nop()).tick()
	if got := len(l.entries); got != 1 {
		t.Errorf("expected 1 live bucket after sweep, got %d", got)
	}
}

func TestJanitor_TickImmediatelyOnStart(t *testing.T) {
	store := newJanitorTestStore(t)
	if err := store.History("first").Set("popunder_history", `{"timestamps":[]}`); err != nil {
		t.Fatal(err)
	}
	// Long interval so only the immediate tick runs.
	j := NewJanitor(store, nil, nil, 10*time.Minute, zerolog.Nop())
	metrics.TrackedClients.Set(0)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- j.Run(ctx)
	}()
	<-ctx.Done()
	<-done

	if got := promtestutil.ToFloat64(metrics.TrackedClients); got != 1 {
		t.Errorf("tracked_clients after first tick: got %v, want 1", got)
	}
}
