package domain

import (
	"math/big"
	"strings"
	"time"
)

// RoundRef is the hex contract address of a prediction round. The zero
// address means the market has no active round.
type RoundRef string

// NoRound is the zero reference returned for idle markets.
const NoRound RoundRef = "0x0000000000000000000000000000000000000000"

// IsZero reports whether r refers to no round at all.
func (r RoundRef) IsZero() bool {
	s := strings.TrimPrefix(strings.ToLower(string(r)), "0x")
	return strings.Trim(s, "0") == ""
}

func (r RoundRef) String() string { return string(r) }

// MarketInfo is the registry entry of one market as reported by the market
// manager contract.
type MarketInfo struct {
	Symbol       string
	FeedID       string // 0x-prefixed bytes32
	CurrentRound RoundRef
	RoundCount   uint64
	Initialized  bool
	Paused       bool
}

// RoundInfo is the state of a single prediction round contract.
type RoundInfo struct {
	Ref           RoundRef
	Coin          string
	StrikePrice   *big.Int
	FinalPrice    *big.Int
	StartTime     time.Time
	EntryDeadline time.Time
	EndTime       time.Time
	TotalPool     *big.Int
	Settled       bool
	AboveWins     bool
	IsDraw        bool
}

// RoundPhase classifies a market for one tick.
type RoundPhase string

const (
	// PhaseReady: no active round, eligible for batch creation.
	PhaseReady RoundPhase = "ready"
	// PhaseActive: a round exists and has not ended.
	PhaseActive RoundPhase = "active"
	// PhaseExpiredUnsettled: the round ended and needs settle then clear.
	PhaseExpiredUnsettled RoundPhase = "expired_unsettled"
	// PhaseExpiredSettled: the round ended, was settled, and still needs clear.
	PhaseExpiredSettled RoundPhase = "expired_settled"
	// PhaseUnknown: the market could not be read this tick.
	PhaseUnknown RoundPhase = "unknown"
)

// Classify derives the phase of a market from its round (nil when the market
// has no current round) at time now.
func Classify(round *RoundInfo, now time.Time) RoundPhase {
	if round == nil || round.Ref.IsZero() {
		return PhaseReady
	}
	if now.Before(round.EndTime) {
		return PhaseActive
	}
	if round.Settled {
		return PhaseExpiredSettled
	}
	return PhaseExpiredUnsettled
}

// Remaining returns the time left until the round ends, or zero once it has.
func (r RoundInfo) Remaining(now time.Time) time.Duration {
	if d := r.EndTime.Sub(now); d > 0 {
		return d
	}
	return 0
}
