package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IntentState is the lifecycle position of a PurchaseIntent.
type IntentState string

const (
	StateCreated   IntentState = "CREATED"
	StatePaid      IntentState = "PAID"
	StateFulfilled IntentState = "FULFILLED"
	StateExpired   IntentState = "EXPIRED"
	StateFailed    IntentState = "FAILED"
)

var transitions = map[IntentState][]IntentState{
	StateCreated: {StatePaid, StateExpired},
	StatePaid:    {StateFulfilled, StateFailed},
}

// CanTransition reports whether an intent may move from one state to another.
// FULFILLED, EXPIRED and FAILED are terminal.
func CanTransition(from, to IntentState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is reachable from s.
func (s IntentState) Terminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is one of the known states.
func (s IntentState) Valid() bool {
	switch s {
	case StateCreated, StatePaid, StateFulfilled, StateExpired, StateFailed:
		return true
	}
	return false
}

// PurchaseIntent is the off-chain record created when a buyer prepares a payment.
// It is never deleted; together with the transition log it is the audit trail.
type PurchaseIntent struct {
	ID              uuid.UUID        `json:"id"`
	BuyerWallet     string           `json:"buyer_wallet"`
	ItemID          string           `json:"item_id"`
	Collection      string           `json:"collection"`
	Quantity        int              `json:"quantity"`
	ExpectedAmount  decimal.Decimal  `json:"expected_amount"`
	CoinType        string           `json:"coin_type"`
	TreasuryAddress string           `json:"treasury_address"`
	State           IntentState      `json:"state"`
	PaymentTxID     *string          `json:"payment_tx_id,omitempty"`
	ReceivedAmount  *decimal.Decimal `json:"received_amount,omitempty"`
	FulfilledUnits  int              `json:"fulfilled_units"`
	CreatedAt       time.Time        `json:"created_at"`
	ExpiresAt       time.Time        `json:"expires_at"`
	PaidAt          *time.Time       `json:"paid_at,omitempty"`
	FulfilledAt     *time.Time       `json:"fulfilled_at,omitempty"`
	ExpiredAt       *time.Time       `json:"expired_at,omitempty"`
	FailedAt        *time.Time       `json:"failed_at,omitempty"`
	QuarantinedAt   *time.Time       `json:"quarantined_at,omitempty"`
	QuarantineNote  string           `json:"quarantine_reason,omitempty"`
}

// Expired reports whether a CREATED intent has outlived its payment window.
func (p PurchaseIntent) Expired(now time.Time) bool {
	return p.State == StateCreated && !now.Before(p.ExpiresAt)
}

// RemainingUnits is the number of sub-claims still waiting for an asset.
func (p PurchaseIntent) RemainingUnits() int {
	if p.Quantity < p.FulfilledUnits {
		return 0
	}
	return p.Quantity - p.FulfilledUnits
}

// Quarantined intents are excluded from automated reconciliation.
func (p PurchaseIntent) Quarantined() bool {
	return p.QuarantinedAt != nil
}

// OwnedAsset mirrors an on-chain object seen in a buyer's wallet.
// LinkedPurchaseID is written at most once and never cleared.
type OwnedAsset struct {
	AssetID          string     `json:"asset_id"`
	OwnerWallet      string     `json:"owner_wallet"`
	Collection       string     `json:"collection"`
	LinkedPurchaseID *uuid.UUID `json:"linked_purchase_id,omitempty"`
	FirstObservedAt  time.Time  `json:"first_observed_at"`
	LinkedAt         *time.Time `json:"linked_at,omitempty"`
}

// Linked reports whether the asset already fulfills a purchase.
func (a OwnedAsset) Linked() bool {
	return a.LinkedPurchaseID != nil
}

// VerifiedPayment is the outcome of a successful payment verification.
type VerifiedPayment struct {
	IntentID       uuid.UUID       `json:"intent_id"`
	TxID           string          `json:"tx_id"`
	Sender         string          `json:"sender"`
	Recipient      string          `json:"recipient"`
	Amount         decimal.Decimal `json:"amount"`
	ExpectedAmount decimal.Decimal `json:"expected_amount"`
	PaidAt         time.Time       `json:"paid_at"`
}

// Overpaid returns how much more than expected was received, or zero.
func (v VerifiedPayment) Overpaid() decimal.Decimal {
	if v.Amount.GreaterThan(v.ExpectedAmount) {
		return v.Amount.Sub(v.ExpectedAmount)
	}
	return decimal.Zero
}

// Pairing binds one unit of an intent to one unlinked asset.
// ExpectedUnits is the intent's FulfilledUnits value the pairing was planned against.
type Pairing struct {
	IntentID      uuid.UUID `json:"intent_id"`
	AssetID       string    `json:"asset_id"`
	BuyerWallet   string    `json:"buyer_wallet"`
	Quantity      int       `json:"quantity"`
	ExpectedUnits int       `json:"expected_units"`
}

// FulfillmentStatus summarises what a reconcile run did for one intent.
type FulfillmentStatus string

const (
	FulfillmentFulfilled FulfillmentStatus = "fulfilled"
	FulfillmentPartial   FulfillmentStatus = "partial"
	FulfillmentPending   FulfillmentStatus = "pending"
	FulfillmentConflict  FulfillmentStatus = "conflict"
)

// FulfillmentResult is reported per PAID intent by a reconcile run.
type FulfillmentResult struct {
	IntentID       uuid.UUID         `json:"intent_id"`
	Status         FulfillmentStatus `json:"status"`
	LinkedAssetIDs []string          `json:"linked_asset_ids,omitempty"`
	Remaining      int               `json:"remaining"`
}

// Transition is one append-only audit row.
type Transition struct {
	ID          int64       `json:"id"`
	IntentID    uuid.UUID   `json:"intent_id"`
	FromState   IntentState `json:"from_state,omitempty"`
	ToState     IntentState `json:"to_state"`
	PaymentTxID string      `json:"payment_tx_id,omitempty"`
	AssetID     string      `json:"asset_id,omitempty"`
	Detail      string      `json:"detail,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// CatalogItem is the read-only view of a marketplace listing.
type CatalogItem struct {
	ItemID         string          `json:"item_id"`
	Name           string          `json:"name"`
	Price          decimal.Decimal `json:"price"`
	Collection     string          `json:"collection"`
	StockRemaining int             `json:"stock_remaining"`
	Available      bool            `json:"available"`
}

// InvariantViolation describes an intent whose stored linkage contradicts its state.
type InvariantViolation struct {
	IntentID uuid.UUID
	Reason   string
}
