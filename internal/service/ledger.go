package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/nftledger/internal/domain"
)

// Ledger is the durable record the services drive. store.LedgerStore and
// store.MemoryStore both implement it. Every mutating method is a single
// atomic conditional update that reports a domain conflict when it loses.
type Ledger interface {
	CreateIntent(ctx context.Context, intent domain.PurchaseIntent, idemKey, reqHash string) (*domain.PurchaseIntent, bool, error)
	IntentByIdempotencyKey(ctx context.Context, wallet, idemKey, reqHash string) (*domain.PurchaseIntent, error)
	GetIntent(ctx context.Context, id uuid.UUID) (*domain.PurchaseIntent, error)
	IntentByPaymentTx(ctx context.Context, txID string) (*domain.PurchaseIntent, error)
	MarkPaid(ctx context.Context, payment domain.VerifiedPayment, detail string) (*domain.PurchaseIntent, error)
	ExpireIntent(ctx context.Context, id uuid.UUID, now time.Time) (*domain.PurchaseIntent, error)
	ExpireStale(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	FailStalePaid(ctx context.Context, cutoff, now time.Time) ([]uuid.UUID, error)

	PaidIntents(ctx context.Context, wallet string) ([]domain.PurchaseIntent, error)
	WalletsWithPaidIntents(ctx context.Context) ([]string, error)
	UpsertObservedAssets(ctx context.Context, assets []domain.OwnedAsset) (int, error)
	ReleaseDepartedAssets(ctx context.Context, wallet, collection string, seen []string) (int, error)
	UnlinkedAssets(ctx context.Context, wallet string) ([]domain.OwnedAsset, error)
	LinkedAssets(ctx context.Context, intentID uuid.UUID) ([]domain.OwnedAsset, error)
	LinkAsset(ctx context.Context, p domain.Pairing, now time.Time) (*domain.PurchaseIntent, error)

	FindInvariantViolations(ctx context.Context) ([]domain.InvariantViolation, error)
	Quarantine(ctx context.Context, id uuid.UUID, reason string, now time.Time) error
	Transitions(ctx context.Context, intentID uuid.UUID) ([]domain.Transition, error)
}

// Catalog is the read-only marketplace listing.
type Catalog interface {
	GetItem(ctx context.Context, itemID string) (*domain.CatalogItem, error)
}

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}
