package domain

// TakeProfitLevel is one rung of the take-profit ladder. When unrealized PnL
// crosses TriggerPct, SellPct percent of the then-remaining amount is sold.
// Each level fires at most once per position lifetime.
type TakeProfitLevel struct {
	TriggerPct float64
	SellPct    float64
}

// ExitRules is the value object embedded in user and source settings that
// parameterizes the autonomous exit engine.
type ExitRules struct {
	StopLossPct float64 // positive percent; 0 disables stop-loss

	TakeProfits []TakeProfitLevel // ordered by TriggerPct ascending

	TrailingEnabled       bool
	TrailingStopPct       float64 // drop from high-water mark that triggers
	TrailingActivationPct float64 // unrealized PnL that arms the trail

	CopyExitEnabled bool

	TimeStopHours float64 // 0 disables the time stop

	// MoonBagPct is the fraction of the position (percent) never sold by
	// stop-loss, trailing-stop or take-profit. Only a time stop or a manual
	// close liquidates it.
	MoonBagPct float64
}

// DefaultExitRules mirrors the engine defaults applied to new users.
func DefaultExitRules() ExitRules {
	return ExitRules{
		StopLossPct: 30,
		TakeProfits: []TakeProfitLevel{
			{TriggerPct: 50, SellPct: 50},
			{TriggerPct: 100, SellPct: 50},
		},
		TrailingEnabled:       true,
		TrailingStopPct:       20,
		TrailingActivationPct: 50,
		CopyExitEnabled:       true,
		TimeStopHours:         0,
		MoonBagPct:            0,
	}
}
