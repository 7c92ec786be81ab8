package popunder_test

import (
	"testing"
	"time"

	"github.com/developingchet/adgate/internal/config"
	"github.com/developingchet/adgate/internal/popunder"
	"github.com/developingchet/adgate/internal/testutil"
	"github.com/rs/zerolog"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func enabledConfig() config.PopunderConfig {
	return config.PopunderConfig{
		Enabled:            true,
		URL:                "https://ads.example/x",
		MaxPerDay:          2,
		MinIntervalMinutes: 60,
	}
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func TestDecideDisabledOrNoURL(t *testing.T) {
	histories := [][]int64{nil, {}, {ms(t0.Add(-2 * time.Hour))}}
	for _, cfg := range []config.PopunderConfig{
		{Enabled: false, URL: "https://ads.example/x", MaxPerDay: 2, MinIntervalMinutes: 60},
		{Enabled: true, URL: "", MaxPerDay: 2, MinIntervalMinutes: 60},
		{Enabled: false, URL: "", MaxPerDay: 100, MinIntervalMinutes: 0.01},
	} {
		for _, h := range histories {
			d := popunder.Decide(popunder.Inputs{Browser: true, Config: cfg, History: h, Now: ms(t0)})
			if d.Allowed {
				t.Errorf("cfg=%+v history=%v: expected deny", cfg, h)
			}
		}
	}
}

func TestDecideReasons(t *testing.T) {
	cfg := enabledConfig()
	cases := []struct {
		name string
		in   popunder.Inputs
		want popunder.Reason
	}{
		{"not browser", popunder.Inputs{Browser: false, Config: cfg, Now: ms(t0)}, popunder.ReasonNotBrowser},
		{"disabled", popunder.Inputs{Browser: true, Config: config.PopunderConfig{URL: "u", MaxPerDay: 2, MinIntervalMinutes: 60}, Now: ms(t0)}, popunder.ReasonDisabled},
		{"no url", popunder.Inputs{Browser: true, Config: config.PopunderConfig{Enabled: true, MaxPerDay: 2, MinIntervalMinutes: 60}, Now: ms(t0)}, popunder.ReasonNoURL},
		{"premium", popunder.Inputs{Browser: true, Config: cfg, Premium: true, Now: ms(t0)}, popunder.ReasonPremium},
		{"cold start", popunder.Inputs{Browser: true, Config: cfg, Now: ms(t0)}, popunder.ReasonAllowed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := popunder.Decide(c.in)
			if d.Reason != c.want {
				t.Errorf("reason: got %s, want %s", d.Reason, c.want)
			}
			if d.Allowed != (c.want == popunder.ReasonAllowed) {
				t.Errorf("allowed: got %v", d.Allowed)
			}
		})
	}
}

func TestDecidePremiumAlwaysDenies(t *testing.T) {
	for _, h := range [][]int64{nil, {ms(t0.Add(-48 * time.Hour))}} {
		d := popunder.Decide(popunder.Inputs{Browser: true, Config: enabledConfig(), Premium: true, History: h, Now: ms(t0)})
		if d.Allowed || d.Reason != popunder.ReasonPremium {
			t.Errorf("premium user must be denied, got %+v", d)
		}
	}
}

func TestDecideDailyCap(t *testing.T) {
	cfg := enabledConfig()
	cfg.MaxPerDay = 3
	cfg.MinIntervalMinutes = 1
	history := []int64{
		ms(t0.Add(-20 * time.Hour)),
		ms(t0.Add(-10 * time.Hour)),
		ms(t0.Add(-5 * time.Hour)),
	}
	d := popunder.Decide(popunder.Inputs{Browser: true, Config: cfg, History: history, Now: ms(t0)})
	if d.Allowed || d.Reason != popunder.ReasonDailyCap {
		t.Errorf("expected daily cap, got %+v", d)
	}
	if d.Recent != 3 {
		t.Errorf("Recent: got %d", d.Recent)
	}
}

func TestDecideWindowBoundaryIsExclusive(t *testing.T) {
	cfg := enabledConfig()
	cfg.MaxPerDay = 1
	// Exactly 24h old: outside (now-24h, now].
	history := []int64{ms(t0.Add(-24 * time.Hour))}
	d := popunder.Decide(popunder.Inputs{Browser: true, Config: cfg, History: history, Now: ms(t0)})
	if !d.Allowed {
		t.Errorf("entry exactly 24h old must not count, got %+v", d)
	}

	history = []int64{ms(t0.Add(-24*time.Hour + time.Millisecond))}
	d = popunder.Decide(popunder.Inputs{Browser: true, Config: cfg, History: history, Now: ms(t0)})
	if d.Allowed {
		t.Errorf("entry 1ms inside the window must count, got %+v", d)
	}
}

func TestDecideMinInterval(t *testing.T) {
	cfg := enabledConfig()
	cfg.MaxPerDay = 10
	last := t0
	cases := []struct {
		elapsed time.Duration
		allowed bool
	}{
		{0, false},
		{30 * time.Minute, false},
		{59*time.Minute + 59*time.Second, false},
		{60 * time.Minute, true},
		{61 * time.Minute, true},
	}
	for _, c := range cases {
		d := popunder.Decide(popunder.Inputs{
			Browser: true, Config: cfg,
			History: []int64{ms(last.Add(-3 * time.Hour)), ms(last)},
			Now:     ms(last.Add(c.elapsed)),
		})
		if d.Allowed != c.allowed {
			t.Errorf("elapsed=%s: got %+v, want allowed=%v", c.elapsed, d, c.allowed)
		}
	}
}

func TestDecideUsesMaxNotLastElement(t *testing.T) {
	cfg := enabledConfig()
	cfg.MaxPerDay = 10
	// Unordered history: the newest entry is first.
	history := []int64{ms(t0.Add(-10 * time.Minute)), ms(t0.Add(-5 * time.Hour))}
	d := popunder.Decide(popunder.Inputs{Browser: true, Config: cfg, History: history, Now: ms(t0)})
	if d.Allowed || d.Reason != popunder.ReasonMinInterval {
		t.Errorf("expected min interval against the newest entry, got %+v", d)
	}
}

func TestDecideFractionalInterval(t *testing.T) {
	cfg := enabledConfig()
	cfg.MinIntervalMinutes = 0.5
	history := []int64{ms(t0)}
	if popunder.Decide(popunder.Inputs{Browser: true, Config: cfg, History: history, Now: ms(t0.Add(29 * time.Second))}).Allowed {
		t.Error("29s < 0.5min should deny")
	}
	if !popunder.Decide(popunder.Inputs{Browser: true, Config: cfg, History: history, Now: ms(t0.Add(30 * time.Second))}).Allowed {
		t.Error("30s >= 0.5min should allow")
	}
}

// newGate builds a Gate over an in-memory store with a fake clock.
func newGate(t *testing.T, cfg config.PopunderConfig, premium popunder.PremiumStatusProvider) (*popunder.Gate, *popunder.HistoryStore, *testutil.FakeClock, *testutil.FlakyKV) {
	t.Helper()
	clock := testutil.NewFakeClock(t0)
	kv := testutil.NewFlakyKV()
	h := popunder.NewHistoryStore(kv, zerolog.Nop(), popunder.WithHistoryClock(clock.Now))
	g := popunder.NewGate(cfg, premium, h, zerolog.Nop(), popunder.WithClock(clock.Now))
	return g, h, clock, kv
}

func TestGateScenarios(t *testing.T) {
	g, h, clock, _ := newGate(t, enabledConfig(), popunder.StaticPremium(false))

	// Cold start.
	if !g.ShouldOpen() {
		t.Fatal("cold start: expected open")
	}
	h.Record()

	// Immediate repeat at t0+30min.
	clock.Set(t0.Add(30 * time.Minute))
	if g.ShouldOpen() {
		t.Fatal("t0+30min: interval not met, expected deny")
	}

	// After the interval, under the cap.
	clock.Set(t0.Add(61 * time.Minute))
	if !g.ShouldOpen() {
		t.Fatal("t0+61min: expected open")
	}
	h.Record()

	// Cap reached: any time inside the 24h window that satisfies the interval.
	for _, at := range []time.Duration{3 * time.Hour, 12 * time.Hour, 23*time.Hour + 59*time.Minute} {
		clock.Set(t0.Add(at))
		if g.ShouldOpen() {
			t.Errorf("t0+%s: cap of 2 reached, expected deny", at)
		}
	}

	// First entry leaves the window.
	clock.Set(t0.Add(24*time.Hour + time.Minute))
	if !g.ShouldOpen() {
		t.Error("after t0 leaves the window, expected open")
	}
}

func TestGatePremiumFlipsMidSession(t *testing.T) {
	bridge := popunder.NewSessionBridge()
	g, _, _, kv := newGate(t, enabledConfig(), bridge.IsPremium)

	if !g.ShouldOpen() {
		t.Fatal("signed out: expected open")
	}

	bridge.Publish(&popunder.User{ID: "user_1", PublicMetadata: popunder.PublicMetadata{IsPremium: true}})
	gets := kv.Gets
	if g.ShouldOpen() {
		t.Fatal("premium: expected deny")
	}
	if kv.Gets != gets {
		t.Error("premium denial should short-circuit before reading history")
	}

	bridge.Clear()
	if !g.ShouldOpen() {
		t.Error("after sign-out: expected open")
	}
}

func TestGateDisabledSkipsPremiumAndHistory(t *testing.T) {
	called := false
	cfg := enabledConfig()
	cfg.Enabled = false
	g, _, _, kv := newGate(t, cfg, func() bool { called = true; return false })

	if g.ShouldOpen() {
		t.Fatal("disabled gate must deny")
	}
	if called {
		t.Error("premium provider should not be consulted when disabled")
	}
	if kv.Gets != 0 {
		t.Error("history should not be read when disabled")
	}
}

func TestGateNotBrowser(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	g := popunder.NewGate(enabledConfig(), nil, nil, zerolog.Nop(),
		popunder.WithClock(clock.Now),
		popunder.WithBrowserContext(func() bool { return false }))
	if d := g.Evaluate(); d.Allowed || d.Reason != popunder.ReasonNotBrowser {
		t.Errorf("expected not_browser, got %+v", d)
	}

	g = popunder.NewGate(enabledConfig(), nil, nil, zerolog.Nop(),
		popunder.WithBrowserContext(func() bool { panic("no window") }))
	if g.ShouldOpen() {
		t.Error("panicking browser predicate must deny")
	}
}

func TestGateNilHistoryAllows(t *testing.T) {
	g := popunder.NewGate(enabledConfig(), nil, nil, zerolog.Nop())
	if !g.ShouldOpen() {
		t.Error("nil history is empty history; expected open")
	}
}

func TestGatePanickingPremiumIsNotPremium(t *testing.T) {
	g, _, _, _ := newGate(t, enabledConfig(), func() bool { panic("identity bridge missing") })
	if !g.ShouldOpen() {
		t.Error("panicking premium provider must read as not premium")
	}
}
