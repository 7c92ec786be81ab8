package popunder

import (
	"time"

	"github.com/developingchet/adgate/internal/config"
	"github.com/developingchet/adgate/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	dayMillis    = int64(24 * time.Hour / time.Millisecond)
	minuteMillis = float64(time.Minute / time.Millisecond)
)

// Reason explains a gate decision. Used for logs and metrics only.
type Reason string

const (
	ReasonNotBrowser  Reason = "not_browser"
	ReasonDisabled    Reason = "disabled"
	ReasonNoURL       Reason = "no_url"
	ReasonPremium     Reason = "premium"
	ReasonDailyCap    Reason = "daily_cap"
	ReasonMinInterval Reason = "min_interval"
	ReasonAllowed     Reason = "allowed"
)

// Inputs is everything Decide looks at.
type Inputs struct {
	Browser bool
	Config  config.PopunderConfig
	Premium bool
	History []int64 // unix ms
	Now     int64   // unix ms
}

// Decision is the outcome of one gate evaluation.
type Decision struct {
	Allowed bool
	Reason  Reason
	// Recent is the number of openings inside the trailing 24h window.
	Recent int
}

// Decide reports whether a new popunder may be opened. It is pure: the same
// inputs always produce the same decision.
func Decide(in Inputs) Decision {
	if !in.Browser {
		return Decision{Reason: ReasonNotBrowser}
	}
	if !in.Config.Enabled {
		return Decision{Reason: ReasonDisabled}
	}
	if !in.Config.HasURL() {
		return Decision{Reason: ReasonNoURL}
	}
	if in.Premium {
		return Decision{Reason: ReasonPremium}
	}

	// Trailing window is (now-24h, now].
	cutoff := in.Now - dayMillis
	recent := 0
	var last int64
	for _, ts := range in.History {
		if ts <= cutoff {
			continue
		}
		if recent == 0 || ts > last {
			last = ts
		}
		recent++
	}

	if recent >= in.Config.MaxPerDay {
		return Decision{Reason: ReasonDailyCap, Recent: recent}
	}
	if recent > 0 {
		minutesSinceLast := float64(in.Now-last) / minuteMillis
		if minutesSinceLast < in.Config.MinIntervalMinutes {
			return Decision{Reason: ReasonMinInterval, Recent: recent}
		}
	}
	return Decision{Allowed: true, Reason: ReasonAllowed, Recent: recent}
}

// Gate binds the decision inputs for one browser client.
type Gate struct {
	cfg     config.PopunderConfig
	premium PremiumStatusProvider
	history *HistoryStore
	browser func() bool
	now     func() time.Time
	log     zerolog.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithClock overrides the clock used for decisions.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// WithBrowserContext sets the predicate telling whether the caller runs in a
// browser context. The default always answers true.
func WithBrowserContext(fn func() bool) GateOption {
	return func(g *Gate) { g.browser = fn }
}

// NewGate returns a Gate. premium is wrapped with SafePremium.
func NewGate(cfg config.PopunderConfig, premium PremiumStatusProvider, history *HistoryStore,
	log zerolog.Logger, opts ...GateOption) *Gate {
	g := &Gate{
		cfg:     cfg,
		premium: SafePremium(premium),
		history: history,
		browser: func() bool { return true },
		now:     time.Now,
		log:     log,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Config returns the gate's configuration.
func (g *Gate) Config() config.PopunderConfig {
	return g.cfg
}

// Evaluate gathers the inputs in check order and decides. Config and premium
// short-circuit before history is read.
func (g *Gate) Evaluate() Decision {
	d := g.evaluate()
	metrics.GateDecisions.WithLabelValues(string(d.Reason)).Inc()
	g.log.Debug().Str("reason", string(d.Reason)).Bool("open", d.Allowed).
		Int("recent", d.Recent).Msg("popunder gate evaluated")
	return d
}

func (g *Gate) evaluate() Decision {
	in := Inputs{Config: g.cfg}
	if in.Browser = g.isBrowser(); !in.Browser {
		return Decide(in)
	}
	if !g.cfg.Enabled || !g.cfg.HasURL() {
		return Decide(in)
	}
	if in.Premium = g.premium(); in.Premium {
		return Decide(in)
	}
	in.Now = g.now().UnixMilli()
	if g.history != nil {
		in.History = g.history.Read()
	}
	return Decide(in)
}

func (g *Gate) isBrowser() (ok bool) {
	if g.browser == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return g.browser()
}

// ShouldOpen reports whether a popunder may be opened now.
func (g *Gate) ShouldOpen() bool {
	return g.Evaluate().Allowed
}
