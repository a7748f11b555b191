package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/alanyoungcy/roundkeeper/internal/domain"
	"github.com/alanyoungcy/roundkeeper/internal/settler"
)

// SettlerView is what the API needs from the settler.
type SettlerView interface {
	Markets() []string
	Interval() time.Duration
	Status(ctx context.Context) []settler.MarketStatus
	Last() (domain.TickReport, bool)
}

// Triggerer requests an out-of-band tick. It reports false when one is
// already pending.
type Triggerer interface {
	Trigger() bool
}

// OracleView is what the API needs from the oracle updater.
type OracleView interface {
	Last() (domain.OracleUpdate, bool)
}

// SettlerHandler serves status, the live market view and manual triggers.
// Either view may be nil when that loop is not running in this process.
type SettlerHandler struct {
	settler   SettlerView
	oracle    OracleView
	trigger   Triggerer
	mode      string
	startedAt time.Time
	now       func() time.Time
	logger    *slog.Logger
}

// NewSettlerHandler creates a SettlerHandler.
func NewSettlerHandler(s SettlerView, o OracleView, mode string, logger *slog.Logger) *SettlerHandler {
	return &SettlerHandler{
		settler:   s,
		oracle:    o,
		mode:      mode,
		startedAt: time.Now().UTC(),
		now:       time.Now,
		logger:    logger,
	}
}

// WithTrigger enables POST /api/settler/trigger. Without it the endpoint
// answers 503, as in monitor mode where no loop is running.
func (h *SettlerHandler) WithTrigger(t Triggerer) *SettlerHandler {
	h.trigger = t
	return h
}

type tickSummary struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Ready      int       `json:"ready"`
	Total      int       `json:"total"`
	Failures   int       `json:"failures"`
	BatchTx    string    `json:"batch_tx,omitempty"`
	Skipped    string    `json:"skipped,omitempty"`
}

func summarize(r domain.TickReport) tickSummary {
	s := tickSummary{
		ID:         r.ID,
		StartedAt:  r.StartedAt,
		DurationMS: r.Duration().Milliseconds(),
		Ready:      r.Ready,
		Total:      r.Total,
		Failures:   len(r.Failures()),
		Skipped:    r.Skipped,
	}
	if r.Batch != nil {
		s.BatchTx = r.Batch.TxHash
	}
	return s
}

// GetStatus reports the run mode, uptime and the last settler and oracle
// outcomes.
// GET /api/status
func (h *SettlerHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"mode":           h.mode,
		"started_at":     h.startedAt,
		"uptime_seconds": int64(h.now().Sub(h.startedAt).Seconds()),
	}

	if h.settler != nil {
		st := map[string]any{
			"markets":          h.settler.Markets(),
			"interval_seconds": h.settler.Interval().Seconds(),
		}
		if last, ok := h.settler.Last(); ok {
			st["last_tick"] = summarize(last)
		}
		resp["settler"] = st
	}
	if h.oracle != nil {
		if last, ok := h.oracle.Last(); ok {
			resp["oracle"] = map[string]any{"last_update": last}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type roundView struct {
	Ref              string    `json:"ref"`
	Coin             string    `json:"coin"`
	StrikePrice      string    `json:"strike_price"`
	FinalPrice       string    `json:"final_price"`
	StartTime        time.Time `json:"start_time"`
	EntryDeadline    time.Time `json:"entry_deadline"`
	EndTime          time.Time `json:"end_time"`
	RemainingSeconds int64     `json:"remaining_seconds"`
	TotalPool        string    `json:"total_pool"`
	Settled          bool      `json:"settled"`
	AboveWins        bool      `json:"above_wins"`
	IsDraw           bool      `json:"is_draw"`
}

type marketView struct {
	Symbol      string            `json:"symbol"`
	Phase       domain.RoundPhase `json:"phase"`
	FeedID      string            `json:"feed_id,omitempty"`
	RoundCount  uint64            `json:"round_count"`
	Initialized bool              `json:"initialized"`
	Paused      bool              `json:"paused"`
	Round       *roundView        `json:"round,omitempty"`
	Error       string            `json:"error,omitempty"`
}

func toMarketView(st settler.MarketStatus, now time.Time) marketView {
	v := marketView{
		Symbol:      st.Symbol,
		Phase:       st.Phase,
		FeedID:      st.Info.FeedID,
		RoundCount:  st.Info.RoundCount,
		Initialized: st.Info.Initialized,
		Paused:      st.Info.Paused,
	}
	if st.Err != nil {
		v.Error = st.Err.Error()
	}
	if r := st.Round; r != nil {
		v.Round = &roundView{
			Ref:              r.Ref.String(),
			Coin:             r.Coin,
			StrikePrice:      bigString(r.StrikePrice),
			FinalPrice:       bigString(r.FinalPrice),
			StartTime:        r.StartTime,
			EntryDeadline:    r.EntryDeadline,
			EndTime:          r.EndTime,
			RemainingSeconds: int64(r.Remaining(now).Seconds()),
			TotalPool:        bigString(r.TotalPool),
			Settled:          r.Settled,
			AboveWins:        r.AboveWins,
			IsDraw:           r.IsDraw,
		}
	}
	return v
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// ListMarkets reads every tracked market from chain right now.
// GET /api/markets
func (h *SettlerHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	if h.settler == nil {
		writeError(w, http.StatusServiceUnavailable, "settler not running")
		return
	}
	now := h.now()
	statuses := h.settler.Status(r.Context())
	out := make([]marketView, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, toMarketView(st, now))
	}
	writeJSON(w, http.StatusOK, out)
}

// Trigger asks the settler loop for an immediate tick.
// POST /api/settler/trigger
func (h *SettlerHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	if h.trigger == nil {
		writeError(w, http.StatusServiceUnavailable, "settler loop not running")
		return
	}
	if !h.trigger.Trigger() {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "already_pending"})
		return
	}
	h.logger.InfoContext(r.Context(), "manual tick requested", slog.String("remote_addr", r.RemoteAddr))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}
