package model

import "time"

// LedgerEntryKind is the business reason a ledger entry was appended.
type LedgerEntryKind string

const (
	EntryReserve  LedgerEntryKind = "reserve"
	EntryFinalize LedgerEntryKind = "finalize"
	EntryRelease  LedgerEntryKind = "release"
	EntryGrant    LedgerEntryKind = "grant"
)

// LedgerEntry is one immutable row in an owner's credit ledger. The
// owner's balance is the sum of all entry amounts; entries are never
// mutated or deleted.
type LedgerEntry struct {
	ID           string            `json:"id"`
	OwnerID      string            `json:"ownerId"`
	GenerationID string            `json:"generationId,omitempty"`
	Kind         LedgerEntryKind   `json:"kind"`
	Amount       float64           `json:"amount"` // negative = spend, positive = refund/grant
	Meta         map[string]string `json:"meta,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// CreditBalanceResponse is the GET /api/credits body.
type CreditBalanceResponse struct {
	Balance float64 `json:"balance"`
}
