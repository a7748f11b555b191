package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoundRefIsZero(t *testing.T) {
	assert.True(t, NoRound.IsZero())
	assert.True(t, RoundRef("").IsZero())
	assert.True(t, RoundRef("0x0").IsZero())
	assert.False(t, RoundRef("0x00000000000000000000000000000000000000a1").IsZero())
}

func TestClassify(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	round := func(end time.Time, settled bool) *RoundInfo {
		return &RoundInfo{Ref: "0x00000000000000000000000000000000000000a1", EndTime: end, Settled: settled}
	}

	tests := []struct {
		name  string
		round *RoundInfo
		want  RoundPhase
	}{
		{"no round", nil, PhaseReady},
		{"zero ref", &RoundInfo{Ref: NoRound}, PhaseReady},
		{"running", round(now.Add(time.Minute), false), PhaseActive},
		{"ends exactly now", round(now, false), PhaseExpiredUnsettled},
		{"ended unsettled", round(now.Add(-time.Second), false), PhaseExpiredUnsettled},
		{"ended settled", round(now.Add(-time.Second), true), PhaseExpiredSettled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.round, now))
		})
	}
}

func TestTickReportFailures(t *testing.T) {
	r := TickReport{
		Total: 2,
		Ready: 1,
		Markets: []MarketResult{
			{Symbol: "BTC", Ready: true},
			{Symbol: "ETH", Actions: []ActionResult{{Action: ActionSettle, Err: "boom"}}},
		},
	}
	assert.False(t, r.AllReady())
	fails := r.Failures()
	assert.Len(t, fails, 1)
	assert.Equal(t, ActionSettle, fails[0].Action)
}
