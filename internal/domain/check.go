package domain

// CheckResult is the structured outcome of a risk-engine buy check.
// Rejections never surface as errors; Reason carries a user-presentable
// explanation instead.
type CheckResult struct {
	Approved bool
	Reason   string
	Warnings []string

	// AdjustedSize is the size actually forwarded to the executor. It differs
	// from the requested size when exposure headroom forced a reduction;
	// adjustments are always echoed in Warnings.
	AdjustedSize float64
}

// ExitSignal is the outcome of one exit-rule evaluation over a position.
// The engine returns the highest-priority triggered signal.
type ExitSignal struct {
	ShouldExit bool
	SellPct    float64 // percent of the sellable amount to liquidate
	Reason     ExitReason
	Priority   int
	Message    string

	// TPIndex identifies which take-profit level fired; -1 otherwise.
	TPIndex int
}
