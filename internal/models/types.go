package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/nftledger/internal/domain"
)

// CreatePurchaseRequest is the payload of POST /api/v1/purchases.
type CreatePurchaseRequest struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

// ConfirmPaymentRequest is the payload of POST /api/v1/purchases/{id}/confirm.
type ConfirmPaymentRequest struct {
	TxID string `json:"tx_id"`
}

// LinkedAsset is one NFT attributed to a purchase.
type LinkedAsset struct {
	AssetID  string     `json:"asset_id"`
	LinkedAt *time.Time `json:"linked_at,omitempty"`
}

// Purchase is the canonical response for a purchase intent.
type Purchase struct {
	ID              uuid.UUID          `json:"id"`
	BuyerWallet     string             `json:"buyer_wallet"`
	ItemID          string             `json:"item_id"`
	Quantity        int                `json:"quantity"`
	State           domain.IntentState `json:"state"`
	ExpectedAmount  decimal.Decimal    `json:"expected_amount"`
	CoinType        string             `json:"coin_type"`
	TreasuryAddress string             `json:"treasury_address"`
	PaymentTxID     *string            `json:"payment_tx_id,omitempty"`
	ReceivedAmount  *decimal.Decimal   `json:"received_amount,omitempty"`
	FulfilledUnits  int                `json:"fulfilled_units"`
	CreatedAt       time.Time          `json:"created_at"`
	ExpiresAt       time.Time          `json:"expires_at"`
	PaidAt          *time.Time         `json:"paid_at,omitempty"`
	FulfilledAt     *time.Time         `json:"fulfilled_at,omitempty"`
	Quarantined     bool               `json:"quarantined,omitempty"`
	LinkedAssets    []LinkedAsset      `json:"linked_assets"`
}

// NewPurchase renders an intent and the assets linked to it.
func NewPurchase(p domain.PurchaseIntent, assets []domain.OwnedAsset) Purchase {
	out := Purchase{
		ID:              p.ID,
		BuyerWallet:     p.BuyerWallet,
		ItemID:          p.ItemID,
		Quantity:        p.Quantity,
		State:           p.State,
		ExpectedAmount:  p.ExpectedAmount,
		CoinType:        p.CoinType,
		TreasuryAddress: p.TreasuryAddress,
		PaymentTxID:     p.PaymentTxID,
		ReceivedAmount:  p.ReceivedAmount,
		FulfilledUnits:  p.FulfilledUnits,
		CreatedAt:       p.CreatedAt,
		ExpiresAt:       p.ExpiresAt,
		PaidAt:          p.PaidAt,
		FulfilledAt:     p.FulfilledAt,
		Quarantined:     p.Quarantined(),
		LinkedAssets:    make([]LinkedAsset, 0, len(assets)),
	}
	for _, a := range assets {
		out.LinkedAssets = append(out.LinkedAssets, LinkedAsset{AssetID: a.AssetID, LinkedAt: a.LinkedAt})
	}
	return out
}

// ReconcileResponse reports one reconcile run for a wallet.
type ReconcileResponse struct {
	Wallet  string                     `json:"wallet"`
	Results []domain.FulfillmentResult `json:"results"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
