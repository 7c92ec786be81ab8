package opener

import (
	"context"
	"errors"
	"fmt"

	"github.com/developingchet/adgate/internal/popunder"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
)

// ErrNoBrowser is returned by Open when the opener has no connected browser.
var ErrNoBrowser = errors.New("opener: no browser connected")

// Config selects the browser the opener drives.
type Config struct {
	// ControlURL is the DevTools websocket of a running browser. Empty launches one.
	ControlURL string
	Headless   bool
}

// RodOpener opens popunder windows in a real browser over the DevTools protocol.
type RodOpener struct {
	browser  *rod.Browser
	launched *launcher.Launcher
	log      zerolog.Logger
}

var _ popunder.WindowOpener = (*RodOpener)(nil)

// NewRod connects to cfg.ControlURL, or launches a local browser when it is empty.
func NewRod(ctx context.Context, cfg Config, log zerolog.Logger) (*RodOpener, error) {
	o := &RodOpener{log: log}

	controlURL := cfg.ControlURL
	if controlURL == "" {
		o.launched = launcher.New().Context(ctx).Headless(cfg.Headless)
		u, err := o.launched.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL = u
	}

	b := rod.New().Context(ctx).ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		o.kill()
		return nil, fmt.Errorf("connect browser %s: %w", controlURL, err)
	}
	o.browser = b
	log.Debug().Str("control_url", controlURL).Msg("browser connected")
	return o, nil
}

// Open creates a new background window at url. The new target has no opener
// relationship with any existing page.
func (o *RodOpener) Open(url, target, features string) (popunder.Window, error) {
	if o == nil || o.browser == nil {
		return nil, ErrNoBrowser
	}
	if target != popunder.WindowTarget {
		return nil, fmt.Errorf("unsupported window target %q", target)
	}
	page, err := o.browser.Page(proto.TargetCreateTarget{
		URL:        url,
		NewWindow:  true,
		Background: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create target: %w", err)
	}
	o.log.Debug().Str("url", url).Str("features", features).Msg("popunder window created")
	return page, nil
}

// Close disconnects from the browser and stops it if this opener launched it.
func (o *RodOpener) Close() error {
	if o == nil {
		return nil
	}
	var err error
	if o.browser != nil {
		err = o.browser.Close()
		o.browser = nil
	}
	o.kill()
	return err
}

func (o *RodOpener) kill() {
	if o.launched != nil {
		o.launched.Kill()
		o.launched = nil
	}
}
