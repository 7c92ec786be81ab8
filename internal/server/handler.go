package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/developingchet/adgate/internal/metrics"
	"github.com/developingchet/adgate/internal/pool"
	"github.com/developingchet/adgate/internal/popunder"
	"github.com/developingchet/adgate/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
)

const (
	userHeader  = "X-User-ID"
	adminHeader = "X-Admin-Token"

	clientCookieMaxAge = 365 * 24 * 60 * 60
	maxPremiumBody     = 1 << 10
)

var tracer = otel.Tracer("github.com/developingchet/adgate/internal/server")

type decisionResponse struct {
	Open     bool            `json:"open"`
	Reason   popunder.Reason `json:"reason"`
	URL      string          `json:"url,omitempty"`
	Target   string          `json:"target,omitempty"`
	Features string          `json:"features,omitempty"`
}

type premiumRequest struct {
	IsPremium *bool  `json:"isPremium"`
	Source    string `json:"source"`
}

// Handler returns the gate API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.limiter.Middleware)

	r.Get("/v1/popunder/decision", s.instrument("decision", s.handleDecision))
	r.Post("/v1/popunder/opened", s.instrument("opened", s.handleOpened))
	r.Put("/v1/premium/{userID}", s.instrument("premium", s.requireAdmin(s.handlePremium)))
	return r
}

// handleDecision evaluates the gate for the calling client without recording.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	clientID := s.clientID(w, r)
	d := s.gateFor(r, clientID).Evaluate()

	resp := decisionResponse{Open: d.Allowed, Reason: d.Reason}
	if d.Allowed {
		resp.URL = s.cfg.Popunder.URL
		resp.Target = popunder.WindowTarget
		resp.Features = popunder.WindowFeatures
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

// handleOpened records an opening the browser reports as successful. The gate
// is re-evaluated first, so a report the gate would have denied is ignored.
func (s *Server) handleOpened(w http.ResponseWriter, r *http.Request) {
	clientID := s.clientID(w, r)
	gate := s.gateFor(r, clientID)
	recorded := popunder.NewTrigger(gate, reportedOpener{}, s.log).Fire()

	w.Header().Set("X-Popunder-Recorded", strconv.FormatBool(recorded))
	w.WriteHeader(http.StatusNoContent)
}

// handlePremium enqueues a premium flag update for the worker pool.
func (s *Server) handlePremium(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		http.Error(w, "missing user id", http.StatusBadRequest)
		return
	}

	var req premiumRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPremiumBody))
	if err := dec.Decode(&req); err != nil || req.IsPremium == nil {
		http.Error(w, `body must be {"isPremium": bool}`, http.StatusBadRequest)
		return
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "admin"
	}

	job := pool.Job{
		Kind:      pool.KindPremiumSet,
		UserID:    userID,
		IsPremium: *req.IsPremium,
		Source:    source,
		At:        s.now(),
	}
	if !s.pool.Enqueue(job) {
		http.Error(w, "premium queue full", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// requireAdmin rejects requests without the configured admin token. With no
// token configured the route is disabled.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			http.Error(w, "premium updates disabled", http.StatusForbidden)
			return
		}
		got := r.Header.Get(adminHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminToken)) != 1 {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// gateFor builds a gate over the client's history and the caller's premium flag.
func (s *Server) gateFor(r *http.Request, clientID string) *popunder.Gate {
	history := popunder.NewHistoryStore(s.store.History(clientID), s.log,
		popunder.WithHistoryClock(s.now))
	premium := s.premiumFor(strings.TrimSpace(r.Header.Get(userHeader)))
	return popunder.NewGate(s.cfg.Popunder, premium, history, s.log, popunder.WithClock(s.now))
}

// premiumFor returns the premium provider for the calling user.
func (s *Server) premiumFor(userID string) popunder.PremiumStatusProvider {
	return PremiumProvider(s.store, userID, s.log)
}

// PremiumProvider returns a provider that looks the user up lazily. Anonymous,
// unknown and failed lookups are all non-premium.
func PremiumProvider(store storage.Store, userID string, log zerolog.Logger) popunder.PremiumStatusProvider {
	return func() bool {
		if userID == "" {
			metrics.PremiumLookups.WithLabelValues("anonymous").Inc()
			return false
		}
		rec, err := store.GetPremium(userID)
		switch {
		case err != nil:
			metrics.PremiumLookups.WithLabelValues("error").Inc()
			log.Warn().Err(err).Str("user", userID).Msg("premium lookup failed")
			return false
		case rec == nil:
			metrics.PremiumLookups.WithLabelValues("unknown").Inc()
			return false
		case rec.IsPremium:
			metrics.PremiumLookups.WithLabelValues("premium").Inc()
			return true
		default:
			metrics.PremiumLookups.WithLabelValues("free").Inc()
			return false
		}
	}
}

// clientID returns the caller's client id, issuing a new cookie when the
// request carries none or a malformed one.
func (s *Server) clientID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(s.cfg.ClientCookie); err == nil {
		if id, err := uuid.Parse(c.Value); err == nil {
			return id.String()
		}
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.ClientCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   clientCookieMaxAge,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// instrument wraps a route with a trace span, request counter and latency histogram.
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, "adgate."+route)
		defer span.End()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next(ww, r.WithContext(ctx))

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", code),
		)
		if code >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(code))
		}
		metrics.APIRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
		metrics.APIDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// reportedOpener stands in for a window the browser has already opened.
type reportedOpener struct{}

func (reportedOpener) Open(string, string, string) (popunder.Window, error) {
	return true, nil
}
