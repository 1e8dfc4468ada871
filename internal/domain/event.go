package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// EventDirection is the direction of the watched source's own action.
type EventDirection string

const (
	EventDirectionBuy  EventDirection = "buy"
	EventDirectionSell EventDirection = "sell"
)

// WalletEvent is one inbound notification from the wallet-activity feed:
// a watched address acted on-chain. Delivery is at-least-once; the
// idempotency ledger deduplicates by fingerprint.
type WalletEvent struct {
	SourceAddress string         `json:"source_address"`
	TxID          string         `json:"tx_id"` // stable external transaction identifier
	TokenID       string         `json:"token_id"`
	Direction     EventDirection `json:"direction"`
	Amount        float64        `json:"amount"` // native units for buys, token units for sells
	ObservedAt    time.Time      `json:"observed_at"`
}

// Fingerprint derives the deterministic idempotency identifier for the event
// from the source address and the external transaction id.
func (e WalletEvent) Fingerprint() string {
	h := sha256.Sum256([]byte(e.SourceAddress + ":" + e.TxID))
	return hex.EncodeToString(h[:])
}

// CopyJob is the unit of work placed on the job queue for one (event, user)
// pair. One wallet event fans out to one job per following user.
type CopyJob struct {
	ID         string      `json:"id"`
	UserID     string      `json:"user_id"`
	SourceID   string      `json:"source_id"`
	Event      WalletEvent `json:"event"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	Attempt    int         `json:"attempt"`
}
