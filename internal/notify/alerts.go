package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/roundkeeper/internal/domain"
)

// Event names accepted in the notify.events config list.
const (
	EventBatchCreated = "batch_created"
	EventBatchFailed  = "batch_failed"
	EventSettleFailed = "settle_failed"
	EventClearFailed  = "clear_failed"
	EventReadFailed   = "read_failed"
	EventOracleFailed = "oracle_failed"
)

// Alerts turns tick reports and oracle updates into notifications.
type Alerts struct {
	n *Notifier
}

// NewAlerts creates Alerts on top of n.
func NewAlerts(n *Notifier) *Alerts {
	return &Alerts{n: n}
}

// HandleTick sends at most one notification per event kind for report.
func (a *Alerts) HandleTick(ctx context.Context, report domain.TickReport) error {
	var errs []error
	for _, msg := range TickMessages(report) {
		if err := a.n.Notify(ctx, msg.Event, msg.Title, msg.Body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleOracle notifies when an oracle update did not land on chain.
func (a *Alerts) HandleOracle(ctx context.Context, up domain.OracleUpdate) {
	if msg, ok := OracleMessage(up); ok {
		_ = a.n.Notify(ctx, msg.Event, msg.Title, msg.Body)
	}
}

// Message is one formatted notification.
type Message struct {
	Event string
	Title string
	Body  string
}

// TickMessages formats the notable outcomes of a tick.
func TickMessages(r domain.TickReport) []Message {
	var out []Message

	failed := map[domain.Action][]string{}
	var unreadable []string
	for _, m := range r.Markets {
		if m.Err != "" {
			unreadable = append(unreadable, fmt.Sprintf("%s: %s", m.Symbol, m.Err))
		}
		for _, act := range m.Actions {
			if !act.OK() {
				failed[act.Action] = append(failed[act.Action], fmt.Sprintf("%s (%s): %s", m.Symbol, act.Target, act.Err))
			}
		}
	}

	if lines := failed[domain.ActionSettle]; len(lines) > 0 {
		out = append(out, Message{EventSettleFailed, "Settle failed", strings.Join(lines, "\n")})
	}
	if lines := failed[domain.ActionClear]; len(lines) > 0 {
		out = append(out, Message{EventClearFailed, "Clear failed", strings.Join(lines, "\n")})
	}
	if len(unreadable) > 0 {
		out = append(out, Message{EventReadFailed, "Market read failed", strings.Join(unreadable, "\n")})
	}

	if b := r.Batch; b != nil {
		symbols := strings.Join(b.Symbols, ", ")
		if b.OK() {
			body := fmt.Sprintf("Markets: %s\nTx: %s (block %d)", symbols, b.TxHash, b.Block)
			if b.StartTime != nil {
				body += "\nStart: " + b.StartTime.UTC().Format(time.RFC3339)
			}
			out = append(out, Message{EventBatchCreated, "Batch rounds created", body})
		} else {
			out = append(out, Message{EventBatchFailed, "Batch creation failed",
				fmt.Sprintf("Markets: %s\nError: %s", symbols, b.Err)})
		}
	}
	return out
}

// OracleMessage formats a failed or skipped oracle update. ok is false for
// a successful one.
func OracleMessage(up domain.OracleUpdate) (Message, bool) {
	switch {
	case up.Err != "":
		return Message{EventOracleFailed, "Oracle update failed", up.Err}, true
	case up.Skipped != "":
		return Message{EventOracleFailed, "Oracle update skipped", up.Skipped}, true
	}
	return Message{}, false
}
