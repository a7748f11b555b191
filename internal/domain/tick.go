package domain

import "time"

// Action names a contract write performed by the settler.
type Action string

const (
	ActionSettle      Action = "settle"
	ActionClear       Action = "clear"
	ActionCreateBatch Action = "create_batch"
)

// TxReceipt is the mined outcome of a successful transaction.
type TxReceipt struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
	GasUsed     uint64 `json:"gas_used"`
}

// ActionResult records one write attempt.
type ActionResult struct {
	Action Action    `json:"action"`
	Target string    `json:"target"`
	TxHash string    `json:"tx_hash,omitempty"`
	Block  uint64    `json:"block,omitempty"`
	Err    string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// OK reports whether the action succeeded.
func (a ActionResult) OK() bool { return a.Err == "" }

// MarketResult is the per-market outcome of a tick.
type MarketResult struct {
	Symbol    string         `json:"symbol"`
	Phase     RoundPhase     `json:"phase"`
	Round     RoundRef       `json:"round,omitempty"`
	Remaining time.Duration  `json:"remaining_ns,omitempty"`
	Actions   []ActionResult `json:"actions,omitempty"`
	Ready     bool           `json:"ready"`
	Err       string         `json:"error,omitempty"`
}

// BatchResult records the batch creation attempt of a tick.
type BatchResult struct {
	Symbols   []string   `json:"symbols"`
	TxHash    string     `json:"tx_hash,omitempty"`
	Block     uint64     `json:"block,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	Err       string     `json:"error,omitempty"`
}

// OK reports whether the batch was created.
func (b BatchResult) OK() bool { return b.Err == "" }

// TickReport is the outcome of one poll tick across all tracked markets.
type TickReport struct {
	ID         string         `json:"id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Markets    []MarketResult `json:"markets"`
	Ready      int            `json:"ready"`
	Total      int            `json:"total"`
	Batch      *BatchResult   `json:"batch,omitempty"`
	Skipped    string         `json:"skipped,omitempty"`
}

// Duration returns how long the tick took.
func (r TickReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// AllReady reports whether every tracked market was ready in this tick.
func (r TickReport) AllReady() bool {
	return r.Total > 0 && r.Ready == r.Total
}

// Failures returns the failed actions across all markets plus a failed batch.
func (r TickReport) Failures() []ActionResult {
	var out []ActionResult
	for _, m := range r.Markets {
		for _, a := range m.Actions {
			if !a.OK() {
				out = append(out, a)
			}
		}
	}
	if r.Batch != nil && !r.Batch.OK() {
		out = append(out, ActionResult{Action: ActionCreateBatch, Err: r.Batch.Err, At: r.FinishedAt})
	}
	return out
}
