// Package rules implements the exit rule engine: a pure evaluation over
// (position, market price, clock) that returns the highest-priority triggered
// exit signal. Rules are kept independently testable and are evaluated in
// fixed priority order with first-match-wins semantics.
package rules

import (
	"fmt"
	"time"

	"github.com/mirrorline/mirrorbot/internal/domain"
)

// Fixed rule priorities. Higher wins ties and runs first. Take-profit is
// dynamic: PriorityTakeProfit + level index.
const (
	PriorityStopLoss     = 100
	PriorityTrailingStop = 90
	PriorityCopyExit     = 80
	PriorityTakeProfit   = 50
	PriorityTimeStop     = 30
)

// Rule is one exit predicate. Evaluate reports whether the rule triggers for
// the position at the given price and time.
type Rule interface {
	Name() string
	Evaluate(p domain.Position, price float64, now time.Time) (domain.ExitSignal, bool)
}

// Engine evaluates the fixed, priority-ordered rule set. The zero value is
// not usable; construct with NewEngine.
type Engine struct {
	rules []Rule
}

// NewEngine builds the engine with the standard rule set in descending
// priority order.
func NewEngine() *Engine {
	return &Engine{
		rules: []Rule{
			stopLossRule{},
			trailingStopRule{},
			takeProfitRule{},
			timeStopRule{},
		},
	}
}

// Evaluate runs every enabled rule against the position and returns the
// highest-priority triggered signal. The second return is false when no rule
// triggers. Copy-exit is not part of the polling evaluation; it has its own
// event path via CopyExit.
func (e *Engine) Evaluate(p domain.Position, price float64, now time.Time) (domain.ExitSignal, bool) {
	if p.Status != domain.PositionStatusOpen || p.CurrentAmount <= 0 {
		return domain.ExitSignal{}, false
	}
	if p.PendingTxRef != "" {
		// A submitted sell is awaiting reconciliation; firing another rule
		// now could double-sell the holding.
		return domain.ExitSignal{}, false
	}
	for _, r := range e.rules {
		if sig, ok := r.Evaluate(p, price, now); ok {
			return sig, true
		}
	}
	return domain.ExitSignal{}, false
}

// CopyExit builds the exit signal for the event path taken when the followed
// source itself sells. sellPct is the fraction of the sellable amount to
// liquidate; values outside (0, 100] are clamped to a full exit.
func CopyExit(p domain.Position, sellPct float64) (domain.ExitSignal, bool) {
	if !p.Rules.CopyExitEnabled || p.Status != domain.PositionStatusOpen {
		return domain.ExitSignal{}, false
	}
	if sellPct <= 0 || sellPct > 100 {
		sellPct = 100
	}
	return domain.ExitSignal{
		ShouldExit: true,
		SellPct:    sellPct,
		Reason:     domain.ExitReasonCopyExit,
		Priority:   PriorityCopyExit,
		Message:    "followed source exited",
		TPIndex:    -1,
	}, true
}

// SellAmount resolves the token amount a signal liquidates. Stop-loss,
// trailing-stop and take-profit operate on the sellable amount only; the moon
// bag is liquidated by time-stop and manual exits.
func SellAmount(p domain.Position, sig domain.ExitSignal) float64 {
	base := p.SellableAmount()
	if sig.Reason == domain.ExitReasonTimeStop || sig.Reason == domain.ExitReasonManual {
		base = p.CurrentAmount
	}
	amount := base * sig.SellPct / 100
	if amount > p.CurrentAmount {
		amount = p.CurrentAmount
	}
	return amount
}

type stopLossRule struct{}

func (stopLossRule) Name() string { return "stop_loss" }

func (stopLossRule) Evaluate(p domain.Position, price float64, _ time.Time) (domain.ExitSignal, bool) {
	if p.Rules.StopLossPct <= 0 {
		return domain.ExitSignal{}, false
	}
	pnl := p.UnrealizedPnLPct(price)
	if pnl > -p.Rules.StopLossPct {
		return domain.ExitSignal{}, false
	}
	return domain.ExitSignal{
		ShouldExit: true,
		SellPct:    100,
		Reason:     domain.ExitReasonStopLoss,
		Priority:   PriorityStopLoss,
		Message:    fmt.Sprintf("stop-loss hit at %.2f%%", pnl),
		TPIndex:    -1,
	}, true
}

type trailingStopRule struct{}

func (trailingStopRule) Name() string { return "trailing_stop" }

func (trailingStopRule) Evaluate(p domain.Position, price float64, _ time.Time) (domain.ExitSignal, bool) {
	r := p.Rules
	if !r.TrailingEnabled || r.TrailingStopPct <= 0 || p.HighWaterMark <= 0 {
		return domain.ExitSignal{}, false
	}

	// The trail arms only once unrealized PnL has ever crossed the activation
	// threshold. The latch is carried on the position; the high-water mark can
	// also prove the crossing on this very tick.
	armed := p.TrailingArmed || p.UnrealizedPnLPct(p.HighWaterMark) >= r.TrailingActivationPct
	if !armed {
		return domain.ExitSignal{}, false
	}

	dropPct := (p.HighWaterMark - price) / p.HighWaterMark * 100
	if dropPct < r.TrailingStopPct {
		return domain.ExitSignal{}, false
	}
	return domain.ExitSignal{
		ShouldExit: true,
		SellPct:    100,
		Reason:     domain.ExitReasonTrailingStop,
		Priority:   PriorityTrailingStop,
		Message:    fmt.Sprintf("price %.2f%% below high-water mark %.6f", dropPct, p.HighWaterMark),
		TPIndex:    -1,
	}, true
}

type takeProfitRule struct{}

func (takeProfitRule) Name() string { return "take_profit" }

// Evaluate returns the highest untriggered level whose threshold the current
// PnL has crossed. Already-triggered levels are skipped, so each level fires
// at most once per position lifetime even while price oscillates around it.
func (takeProfitRule) Evaluate(p domain.Position, price float64, _ time.Time) (domain.ExitSignal, bool) {
	pnl := p.UnrealizedPnLPct(price)

	best := -1
	for i, lvl := range p.Rules.TakeProfits {
		if p.TPTriggered(i) {
			continue
		}
		if pnl >= lvl.TriggerPct && (best < 0 || lvl.TriggerPct > p.Rules.TakeProfits[best].TriggerPct) {
			best = i
		}
	}
	if best < 0 {
		return domain.ExitSignal{}, false
	}

	lvl := p.Rules.TakeProfits[best]
	return domain.ExitSignal{
		ShouldExit: true,
		SellPct:    lvl.SellPct,
		Reason:     domain.ExitReasonTakeProfit,
		Priority:   PriorityTakeProfit + best,
		Message:    fmt.Sprintf("take-profit level %d hit at %.2f%%", best+1, pnl),
		TPIndex:    best,
	}, true
}

type timeStopRule struct{}

func (timeStopRule) Name() string { return "time_stop" }

func (timeStopRule) Evaluate(p domain.Position, price float64, now time.Time) (domain.ExitSignal, bool) {
	hours := p.Rules.TimeStopHours
	if hours <= 0 {
		return domain.ExitSignal{}, false
	}
	if p.HoldingTime(now) < time.Duration(hours*float64(time.Hour)) {
		return domain.ExitSignal{}, false
	}
	// The time stop only fires on positions that are not currently profitable.
	if p.UnrealizedPnLPct(price) > 0 {
		return domain.ExitSignal{}, false
	}
	return domain.ExitSignal{
		ShouldExit: true,
		SellPct:    100,
		Reason:     domain.ExitReasonTimeStop,
		Priority:   PriorityTimeStop,
		Message:    fmt.Sprintf("held %.1fh without profit", p.HoldingTime(now).Hours()),
		TPIndex:    -1,
	}, true
}
