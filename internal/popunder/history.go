package popunder

import (
	"encoding/json"
	"time"

	"github.com/developingchet/adgate/internal/metrics"
	"github.com/developingchet/adgate/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// HistoryKey is the fixed storage key holding the opening history.
	HistoryKey = "popunder_history"
	// MaxHistory caps the number of timestamps kept.
	MaxHistory = 20
)

// historyValue is the persisted JSON shape: {"timestamps":[<unix ms>,...]}.
type historyValue struct {
	Timestamps []int64 `json:"timestamps"`
}

// HistoryStore records past popunder openings for one browser client.
// Every operation is best-effort: failures are logged and swallowed.
type HistoryStore struct {
	kv  storage.KeyValueStore
	now func() time.Time
	log zerolog.Logger
}

// HistoryOption configures a HistoryStore.
type HistoryOption func(*HistoryStore)

// WithHistoryClock overrides the clock used by Record.
func WithHistoryClock(now func() time.Time) HistoryOption {
	return func(h *HistoryStore) { h.now = now }
}

// NewHistoryStore returns a HistoryStore over kv. A nil kv behaves like
// storage that is unavailable: reads are empty, writes are dropped.
func NewHistoryStore(kv storage.KeyValueStore, log zerolog.Logger, opts ...HistoryOption) *HistoryStore {
	h := &HistoryStore{kv: kv, now: time.Now, log: log}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Read returns the stored timestamps, or an empty slice if storage is
// unavailable, the key is absent, or the value is malformed.
func (h *HistoryStore) Read() (ts []int64) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HistoryErrors.WithLabelValues("read").Inc()
			h.log.Debug().Interface("panic", r).Msg("history read panicked")
			ts = []int64{}
		}
	}()

	if h.kv == nil {
		return []int64{}
	}
	raw, ok, err := h.kv.Get(HistoryKey)
	if err != nil {
		metrics.HistoryErrors.WithLabelValues("read").Inc()
		h.log.Debug().Err(err).Msg("history read failed; treating as empty")
		return []int64{}
	}
	if !ok {
		return []int64{}
	}

	var v historyValue
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		metrics.HistoryErrors.WithLabelValues("decode").Inc()
		h.log.Debug().Err(err).Msg("history value malformed; treating as empty")
		return []int64{}
	}
	if v.Timestamps == nil {
		return []int64{}
	}
	return v.Timestamps
}

// Write persists the most recent MaxHistory entries of ts.
func (h *HistoryStore) Write(ts []int64) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HistoryErrors.WithLabelValues("write").Inc()
			h.log.Debug().Interface("panic", r).Msg("history write panicked")
		}
	}()

	if h.kv == nil {
		return
	}
	data, err := json.Marshal(historyValue{Timestamps: keepLast(ts, MaxHistory)})
	if err != nil {
		metrics.HistoryErrors.WithLabelValues("write").Inc()
		return
	}
	if err := h.kv.Set(HistoryKey, string(data)); err != nil {
		metrics.HistoryErrors.WithLabelValues("write").Inc()
		h.log.Debug().Err(err).Msg("history write failed; dropped")
	}
}

// Record appends the current time and persists the result.
func (h *HistoryStore) Record() {
	ts := h.Read()
	ts = append(ts, h.now().UnixMilli())
	h.Write(ts)
}

// keepLast returns the trailing n elements of ts, always as a fresh non-nil slice.
func keepLast(ts []int64, n int) []int64 {
	if len(ts) > n {
		ts = ts[len(ts)-n:]
	}
	out := make([]int64, len(ts))
	copy(out, ts)
	return out
}
