package models

import "gorm.io/gorm"

// Transaction kinds. Every balance mutation records exactly one of these.
const (
	TransactionKindPurchase      = "purchase"
	TransactionKindUsage         = "usage"
	TransactionKindRefill        = "refill"
	TransactionKindProActivation = "pro_activation"
	TransactionKindProRenewal    = "pro_renewal"
)

// CreditTransaction is the append-only ledger trail. Rows are created by
// every grant/deduct/refill and are never updated or deleted; the Description
// must be enough to reconstruct why the balance moved.
type CreditTransaction struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	// Credit changes. Amount is the signed total; FreeDelta and PaidDelta
	// record which bucket moved.
	Amount    int `gorm:"not null" json:"amount"`
	FreeDelta int `gorm:"not null" json:"free_delta"`
	PaidDelta int `gorm:"not null" json:"paid_delta"`

	Kind        string `gorm:"not null;index" json:"kind"`
	Description string `json:"description"`
	Action      string `json:"action,omitempty"` // tool_run, audit_unlock, project_boost, ...

	// Payment-provider references, set when the mutation came from Stripe
	StripeEventID   string `gorm:"index" json:"stripe_event_id,omitempty"`
	StripeSessionID string `json:"stripe_session_id,omitempty"`
	StripePriceID   string `json:"stripe_price_id,omitempty"`

	// Relations
	User User `json:"-"`
}
