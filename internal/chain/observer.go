// Package chain is a read-only view of the external ledger: payment
// transactions and the NFT objects a wallet owns.
package chain

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Credit is the net amount one address received in one coin.
type Credit struct {
	Recipient string
	CoinType  string
	Amount    decimal.Decimal
}

// ConfirmedTransaction is the part of an on-chain transaction payment
// verification cares about. Recipient, Amount and CoinType describe the
// largest credit in the payment coin; Credits lists every address other than
// the sender that received something.
type ConfirmedTransaction struct {
	Digest     string
	Sender     string
	Recipient  string
	Amount     decimal.Decimal
	CoinType   string
	Credits    []Credit
	Finalized  bool
	Succeeded  bool
	Checkpoint uint64
}

// CreditTo returns what recipient received, preferring coinType when it was
// paid in more than one coin.
func (tx *ConfirmedTransaction) CreditTo(recipient, coinType string) (Credit, bool) {
	recipient = NormalizeAddress(recipient)
	var (
		best  Credit
		found bool
	)
	for _, c := range tx.Credits {
		if NormalizeAddress(c.Recipient) != recipient {
			continue
		}
		if !found || (c.CoinType == coinType && best.CoinType != coinType) {
			best, found = c, true
		}
	}
	return best, found
}

// ObservedAsset is one object seen in a wallet.
type ObservedAsset struct {
	AssetID     string
	OwnerWallet string
	Collection  string
	ObservedAt  time.Time
}

// AssetPage is one page of a wallet listing. Passing NextCursor back resumes
// the listing where it stopped.
type AssetPage struct {
	Assets     []ObservedAsset
	NextCursor string
	HasNext    bool
}

// Observer reads the chain. Implementations return domain.ErrTransactionNotFound
// when the chain does not know a transaction and domain.ErrChainUnavailable for
// transport failures; callers may retry both.
type Observer interface {
	GetConfirmedTransaction(ctx context.Context, txID string) (*ConfirmedTransaction, error)
	ListOwnedAssets(ctx context.Context, wallet, collection, cursor string) (*AssetPage, error)
}

// OwnedAssets lazily walks every page of a wallet listing starting at cursor.
// Iteration stops after the first error, which is yielded once.
func OwnedAssets(ctx context.Context, obs Observer, wallet, collection, cursor string) iter.Seq2[ObservedAsset, error] {
	return func(yield func(ObservedAsset, error) bool) {
		for {
			page, err := obs.ListOwnedAssets(ctx, wallet, collection, cursor)
			if err != nil {
				yield(ObservedAsset{}, err)
				return
			}
			for _, a := range page.Assets {
				if !yield(a, nil) {
					return
				}
			}
			if !page.HasNext || page.NextCursor == "" || page.NextCursor == cursor {
				return
			}
			cursor = page.NextCursor
		}
	}
}

// NormalizeAddress lowercases a Sui address and left-pads it to 32 bytes.
func NormalizeAddress(addr string) string {
	a := strings.ToLower(strings.TrimSpace(addr))
	a = strings.TrimPrefix(a, "0x")
	if a == "" {
		return ""
	}
	if len(a) < 64 {
		a = strings.Repeat("0", 64-len(a)) + a
	}
	return "0x" + a
}

// SameAddress compares two addresses after normalisation.
func SameAddress(a, b string) bool {
	return NormalizeAddress(a) == NormalizeAddress(b)
}
