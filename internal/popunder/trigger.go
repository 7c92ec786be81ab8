package popunder

import (
	"github.com/developingchet/adgate/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	// WindowTarget is the target frame name passed to the opener.
	WindowTarget = "_blank"
	// WindowFeatures isolates the new window from the opening page.
	WindowFeatures = "noopener,noreferrer"
)

// Window is an opaque handle to an opened window. nil means the open was blocked.
type Window interface{}

// WindowOpener opens a browser window or tab.
type WindowOpener interface {
	Open(url, target, features string) (Window, error)
}

// OpenerFunc adapts a function to WindowOpener.
type OpenerFunc func(url, target, features string) (Window, error)

// Open calls f.
func (f OpenerFunc) Open(url, target, features string) (Window, error) {
	return f(url, target, features)
}

// Trigger combines a gate decision with the window-open side effect.
type Trigger struct {
	gate   *Gate
	opener WindowOpener
	log    zerolog.Logger
}

// NewTrigger returns a Trigger that records openings into the gate's history.
func NewTrigger(gate *Gate, opener WindowOpener, log zerolog.Logger) *Trigger {
	return &Trigger{gate: gate, opener: opener, log: log}
}

// Fire opens a popunder if the gate allows it and records the opening.
// History is only recorded when the opener returns a non-nil window and no
// error. Fire never panics; it reports whether a window was opened.
func (t *Trigger) Fire() (opened bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PopunderOpens.WithLabelValues("error").Inc()
			t.log.Debug().Interface("panic", r).Msg("popunder trigger recovered")
			opened = false
		}
	}()

	if t.gate == nil || t.opener == nil {
		return false
	}
	if !t.gate.ShouldOpen() {
		return false
	}

	url := t.gate.Config().URL
	win, err := t.opener.Open(url, WindowTarget, WindowFeatures)
	if err != nil {
		metrics.PopunderOpens.WithLabelValues("error").Inc()
		t.log.Debug().Err(err).Msg("popunder open failed")
		return false
	}
	if isNilWindow(win) {
		metrics.PopunderOpens.WithLabelValues("blocked").Inc()
		t.log.Debug().Msg("popunder open blocked")
		return false
	}

	metrics.PopunderOpens.WithLabelValues("opened").Inc()
	if t.gate.history != nil {
		t.gate.history.Record()
	}
	return true
}

// isNilWindow treats both a nil interface and common nil/false handle values as blocked.
func isNilWindow(w Window) bool {
	switch v := w.(type) {
	case nil:
		return true
	case bool:
		return !v
	default:
		return false
	}
}
