package domain

import "time"

// SwapStatus is the terminal state of one swap attempt.
type SwapStatus string

const (
	SwapStatusConfirmed SwapStatus = "confirmed"
	SwapStatusFailed    SwapStatus = "failed"

	// SwapStatusIndeterminate means the transaction was submitted but its
	// confirmation was not observed before the deadline. The transaction may
	// still land; callers must reconcile against chain state before any
	// follow-up action.
	SwapStatusIndeterminate SwapStatus = "indeterminate"
)

// SwapResult reports the realized amounts and fees of one executed swap.
type SwapResult struct {
	AmountIn      float64
	AmountOut     float64
	PriceExecuted float64 // native per token
	FeesPaid      float64
	TxRef         string
	Status        SwapStatus
	ConfirmedAt   time.Time
}
