package domain

import "time"

// PriceSourceKind tells where the prices of an oracle update came from.
type PriceSourceKind string

const (
	PriceFromAPI   PriceSourceKind = "api"
	PriceFromCache PriceSourceKind = "cache"
	PriceMixed     PriceSourceKind = "mixed"
)

// OracleUpdate is the outcome of one oracle price push.
type OracleUpdate struct {
	ID       string            `json:"id"`
	At       time.Time         `json:"at"`
	Source   PriceSourceKind   `json:"source,omitempty"`
	Prices   map[string]string `json:"prices,omitempty"`   // USD, decimal strings
	Scaled   map[string]string `json:"scaled,omitempty"`   // fixed-point integers sent on chain
	Readback map[string]string `json:"readback,omitempty"` // USD, as read from the oracle
	TxHash   string            `json:"tx_hash,omitempty"`
	Block    uint64            `json:"block,omitempty"`
	Skipped  string            `json:"skipped,omitempty"`
	Err      string            `json:"error,omitempty"`
}

// OK reports whether the prices were written.
func (u OracleUpdate) OK() bool { return u.Err == "" && u.Skipped == "" }
