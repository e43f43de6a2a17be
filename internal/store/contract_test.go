package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/nftledger/internal/domain"
)

// ledger is the method set shared by LedgerStore and MemoryStore.
type ledger interface {
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

const (
	walletA    = "0x000000000000000000000000000000000000000000000000000000000000000a"
	walletB    = "0x000000000000000000000000000000000000000000000000000000000000000b"
	collection = "0x5ace::racer::Car"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newIntent(wallet string, quantity int) domain.PurchaseIntent {
	return domain.PurchaseIntent{
		ID:              uuid.New(),
		BuyerWallet:     wallet,
		ItemID:          "car-1",
		Collection:      collection,
		Quantity:        quantity,
		ExpectedAmount:  decimal.RequireFromString("12.5").Mul(decimal.NewFromInt(int64(quantity))),
		CoinType:        "0x2::sui::SUI",
		TreasuryAddress: "0x7ea5",
		State:           domain.StateCreated,
		CreatedAt:       base,
		ExpiresAt:       base.Add(30 * time.Minute),
	}
}

func create(t *testing.T, l ledger, wallet string, quantity int) *domain.PurchaseIntent {
	t.Helper()
	p, replayed, err := l.CreateIntent(context.Background(), newIntent(wallet, quantity), uuid.NewString(), "h")
	require.NoError(t, err)
	require.False(t, replayed)
	return p
}

func payIntent(t *testing.T, l ledger, p *domain.PurchaseIntent, txID string, at time.Time) *domain.PurchaseIntent {
	t.Helper()
	paid, err := l.MarkPaid(context.Background(), domain.VerifiedPayment{
		IntentID: p.ID, TxID: txID, Amount: p.ExpectedAmount, ExpectedAmount: p.ExpectedAmount, PaidAt: at,
	}, "test")
	require.NoError(t, err)
	return paid
}

func observe(t *testing.T, l ledger, wallet string, at time.Time, ids ...string) {
	t.Helper()
	var assets []domain.OwnedAsset
	for i, id := range ids {
		assets = append(assets, domain.OwnedAsset{
			AssetID: id, OwnerWallet: wallet, Collection: collection, FirstObservedAt: at.Add(time.Duration(i) * time.Second),
		})
	}
	_, err := l.UpsertObservedAssets(context.Background(), assets)
	require.NoError(t, err)
}

func runLedgerContract(t *testing.T, newLedger func(t *testing.T) ledger) {
	t.Run("create is idempotent per wallet and key", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		in := newIntent(walletA, 2)

		first, replayed, err := l.CreateIntent(ctx, in, "key", "h1")
		require.NoError(t, err)
		assert.False(t, replayed)
		assert.True(t, first.ExpectedAmount.Equal(decimal.NewFromInt(25)))

		again, replayed, err := l.CreateIntent(ctx, newIntent(walletA, 2), "key", "h1")
		require.NoError(t, err)
		assert.True(t, replayed)
		assert.Equal(t, first.ID, again.ID)

		_, _, err = l.CreateIntent(ctx, newIntent(walletA, 2), "key", "h2")
		assert.ErrorIs(t, err, domain.ErrIdempotencyKey)

		byKey, err := l.IntentByIdempotencyKey(ctx, walletA, "key", "h1")
		require.NoError(t, err)
		assert.Equal(t, first.ID, byKey.ID)
		_, err = l.IntentByIdempotencyKey(ctx, walletA, "key", "h2")
		assert.ErrorIs(t, err, domain.ErrIdempotencyKey)
		_, err = l.IntentByIdempotencyKey(ctx, walletB, "key", "h1")
		assert.ErrorIs(t, err, domain.ErrIntentNotFound, "keys are scoped per wallet")

		_, err = l.GetIntent(ctx, uuid.New())
		assert.ErrorIs(t, err, domain.ErrIntentNotFound)
	})

	t.Run("mark paid binds a transaction once", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		a := create(t, l, walletA, 1)
		b := create(t, l, walletA, 1)

		paid := payIntent(t, l, a, "TX", base.Add(time.Minute))
		assert.Equal(t, domain.StatePaid, paid.State)
		require.NotNil(t, paid.PaymentTxID)
		assert.Equal(t, "TX", *paid.PaymentTxID)

		_, err := l.MarkPaid(ctx, domain.VerifiedPayment{IntentID: b.ID, TxID: "TX", Amount: b.ExpectedAmount, PaidAt: base.Add(time.Minute)}, "")
		assert.ErrorIs(t, err, domain.ErrTxAlreadyBound)

		_, err = l.MarkPaid(ctx, domain.VerifiedPayment{IntentID: a.ID, TxID: "TX-2", Amount: a.ExpectedAmount, PaidAt: base.Add(time.Minute)}, "")
		assert.ErrorIs(t, err, domain.ErrStateConflict)

		bound, err := l.IntentByPaymentTx(ctx, "TX")
		require.NoError(t, err)
		assert.Equal(t, a.ID, bound.ID)
		assert.Equal(t, domain.StateCreated, mustGet(t, l, b.ID).State)
	})

	t.Run("concurrent mark paid has one winner", func(t *testing.T) {
		l := newLedger(t)
		intents := []*domain.PurchaseIntent{create(t, l, walletA, 1), create(t, l, walletA, 1), create(t, l, walletA, 1)}

		var wg sync.WaitGroup
		errs := make([]error, len(intents))
		for i, p := range intents {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = l.MarkPaid(context.Background(), domain.VerifiedPayment{
					IntentID: p.ID, TxID: "SHARED", Amount: p.ExpectedAmount, PaidAt: base.Add(time.Minute),
				}, "")
			}()
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, domain.ErrTxAlreadyBound)
		}
		assert.Equal(t, 1, wins)
	})

	t.Run("expired intents never move", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		p := create(t, l, walletA, 1)
		fresh := create(t, l, walletB, 1)

		got, err := l.ExpireIntent(ctx, p.ID, base.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, domain.StateCreated, got.State, "not yet due")

		_, err = l.MarkPaid(ctx, domain.VerifiedPayment{IntentID: p.ID, TxID: "LATE", Amount: p.ExpectedAmount, PaidAt: p.ExpiresAt}, "")
		assert.ErrorIs(t, err, domain.ErrStateConflict)

		ids, err := l.ExpireStale(ctx, p.ExpiresAt)
		require.NoError(t, err)
		assert.ElementsMatch(t, []uuid.UUID{p.ID, fresh.ID}, ids)

		_, err = l.MarkPaid(ctx, domain.VerifiedPayment{IntentID: p.ID, TxID: "LATE", Amount: p.ExpectedAmount, PaidAt: base}, "")
		assert.ErrorIs(t, err, domain.ErrStateConflict)
		assert.Equal(t, domain.StateExpired, mustGet(t, l, p.ID).State)

		ids, err = l.ExpireStale(ctx, p.ExpiresAt.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("link asset increments units and fulfills", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		p := payIntent(t, l, create(t, l, walletA, 2), "TX", base.Add(time.Minute))
		observe(t, l, walletA, base, "0xa1", "0xa2", "0xa3")

		got, err := l.LinkAsset(ctx, domain.Pairing{IntentID: p.ID, AssetID: "0xa1", BuyerWallet: walletA, Quantity: 2, ExpectedUnits: 0}, base.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, domain.StatePaid, got.State)
		assert.Equal(t, 1, got.FulfilledUnits)

		// Stale plan: units already moved on.
		_, err = l.LinkAsset(ctx, domain.Pairing{IntentID: p.ID, AssetID: "0xa2", BuyerWallet: walletA, Quantity: 2, ExpectedUnits: 0}, base.Add(2*time.Minute))
		assert.ErrorIs(t, err, domain.ErrMatchConflict)

		// Asset already linked.
		_, err = l.LinkAsset(ctx, domain.Pairing{IntentID: p.ID, AssetID: "0xa1", BuyerWallet: walletA, Quantity: 2, ExpectedUnits: 1}, base.Add(2*time.Minute))
		assert.ErrorIs(t, err, domain.ErrMatchConflict)

		got, err = l.LinkAsset(ctx, domain.Pairing{IntentID: p.ID, AssetID: "0xa2", BuyerWallet: walletA, Quantity: 2, ExpectedUnits: 1}, base.Add(3*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, domain.StateFulfilled, got.State)
		require.NotNil(t, got.FulfilledAt)

		// Fulfilled intents take nothing more.
		_, err = l.LinkAsset(ctx, domain.Pairing{IntentID: p.ID, AssetID: "0xa3", BuyerWallet: walletA, Quantity: 2, ExpectedUnits: 2}, base.Add(3*time.Minute))
		assert.ErrorIs(t, err, domain.ErrMatchConflict)

		linked, err := l.LinkedAssets(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, linked, 2)
		assert.Equal(t, "0xa1", linked[0].AssetID)

		unlinked, err := l.UnlinkedAssets(ctx, walletA)
		require.NoError(t, err)
		require.Len(t, unlinked, 1)
		assert.Equal(t, "0xa3", unlinked[0].AssetID)

		violations, err := l.FindInvariantViolations(ctx)
		require.NoError(t, err)
		assert.Empty(t, violations)
	})

	t.Run("link requires the buyer to own the asset", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		p := payIntent(t, l, create(t, l, walletA, 1), "TX", base.Add(time.Minute))
		observe(t, l, walletB, base, "0xb1")

		_, err := l.LinkAsset(ctx, domain.Pairing{IntentID: p.ID, AssetID: "0xb1", BuyerWallet: walletA, Quantity: 1}, base)
		assert.ErrorIs(t, err, domain.ErrMatchConflict)
		assert.Equal(t, domain.StatePaid, mustGet(t, l, p.ID).State)

		unlinked, err := l.UnlinkedAssets(ctx, walletB)
		require.NoError(t, err)
		assert.Len(t, unlinked, 1, "losing link must roll back")
	})

	t.Run("upsert follows unlinked assets and freezes linked ones", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		p := payIntent(t, l, create(t, l, walletA, 1), "TX", base.Add(time.Minute))
		observe(t, l, walletA, base, "0xa1", "0xa2")

		_, err := l.LinkAsset(ctx, domain.Pairing{IntentID: p.ID, AssetID: "0xa1", BuyerWallet: walletA, Quantity: 1}, base)
		require.NoError(t, err)

		changed, err := l.UpsertObservedAssets(ctx, []domain.OwnedAsset{
			{AssetID: "0xa1", OwnerWallet: walletB, Collection: collection, FirstObservedAt: base.Add(time.Hour)},
			{AssetID: "0xa2", OwnerWallet: walletB, Collection: collection, FirstObservedAt: base.Add(time.Hour)},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, changed)

		linked, err := l.LinkedAssets(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, linked, 1)
		assert.Equal(t, walletA, linked[0].OwnerWallet)

		moved, err := l.UnlinkedAssets(ctx, walletB)
		require.NoError(t, err)
		require.Len(t, moved, 1)
		assert.Equal(t, "0xa2", moved[0].AssetID)
		assert.Equal(t, base.Add(time.Second), moved[0].FirstObservedAt.UTC(), "first sighting is kept")
	})

	t.Run("assets missing from a full listing leave the wallet", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		p := payIntent(t, l, create(t, l, walletA, 2), "TX", base.Add(time.Minute))
		observe(t, l, walletA, base, "0xa1", "0xa2", "0xa3")
		_, err := l.LinkAsset(ctx, domain.Pairing{IntentID: p.ID, AssetID: "0xa1", BuyerWallet: walletA, Quantity: 2}, base)
		require.NoError(t, err)

		// The chain now lists only 0xa3; 0xa2 was transferred away.
		released, err := l.ReleaseDepartedAssets(ctx, walletA, collection, []string{"0xa3"})
		require.NoError(t, err)
		assert.Equal(t, 1, released, "linked 0xa1 stays put")

		unlinked, err := l.UnlinkedAssets(ctx, walletA)
		require.NoError(t, err)
		require.Len(t, unlinked, 1)
		assert.Equal(t, "0xa3", unlinked[0].AssetID)

		_, err = l.LinkAsset(ctx, domain.Pairing{IntentID: p.ID, AssetID: "0xa2", BuyerWallet: walletA, Quantity: 2, ExpectedUnits: 1}, base)
		assert.ErrorIs(t, err, domain.ErrMatchConflict)

		linked, err := l.LinkedAssets(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, linked, 1)
		assert.Equal(t, walletA, linked[0].OwnerWallet)

		// An empty listing releases everything unlinked.
		released, err = l.ReleaseDepartedAssets(ctx, walletA, collection, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, released)

		// Seen again, it is matchable again.
		observe(t, l, walletA, base.Add(time.Hour), "0xa2")
		unlinked, err = l.UnlinkedAssets(ctx, walletA)
		require.NoError(t, err)
		require.Len(t, unlinked, 1)
		assert.Equal(t, "0xa2", unlinked[0].AssetID)

		violations, err := l.FindInvariantViolations(ctx)
		require.NoError(t, err)
		assert.Empty(t, violations)
	})

	t.Run("paid intents are ordered and quarantine hides them", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		late := payIntent(t, l, create(t, l, walletA, 1), "TX-LATE", base.Add(5*time.Minute))
		early := payIntent(t, l, create(t, l, walletA, 1), "TX-EARLY", base.Add(time.Minute))
		payIntent(t, l, create(t, l, walletB, 1), "TX-B", base.Add(time.Minute))

		paid, err := l.PaidIntents(ctx, walletA)
		require.NoError(t, err)
		require.Len(t, paid, 2)
		assert.Equal(t, early.ID, paid[0].ID)
		assert.Equal(t, late.ID, paid[1].ID)

		wallets, err := l.WalletsWithPaidIntents(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{walletA, walletB}, wallets)

		require.NoError(t, l.Quarantine(ctx, early.ID, "manual review", base.Add(time.Hour)))
		require.NoError(t, l.Quarantine(ctx, early.ID, "again", base.Add(time.Hour)))

		paid, err = l.PaidIntents(ctx, walletA)
		require.NoError(t, err)
		require.Len(t, paid, 1)
		assert.Equal(t, late.ID, paid[0].ID)

		got := mustGet(t, l, early.ID)
		assert.True(t, got.Quarantined())
		assert.Equal(t, "manual review", got.QuarantineNote)
	})

	t.Run("fail stale paid skips started intents", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		idle := payIntent(t, l, create(t, l, walletA, 1), "TX1", base)
		started := payIntent(t, l, create(t, l, walletA, 2), "TX2", base)
		observe(t, l, walletA, base, "0xa1")
		_, err := l.LinkAsset(ctx, domain.Pairing{IntentID: started.ID, AssetID: "0xa1", BuyerWallet: walletA, Quantity: 2}, base)
		require.NoError(t, err)

		ids, err := l.FailStalePaid(ctx, base.Add(time.Hour), base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{idle.ID}, ids)
		assert.Equal(t, domain.StateFailed, mustGet(t, l, idle.ID).State)
		assert.Equal(t, domain.StatePaid, mustGet(t, l, started.ID).State)
	})

	t.Run("transitions record every move", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		p := payIntent(t, l, create(t, l, walletA, 1), "TX", base.Add(time.Minute))
		observe(t, l, walletA, base, "0xa1")
		_, err := l.LinkAsset(ctx, domain.Pairing{IntentID: p.ID, AssetID: "0xa1", BuyerWallet: walletA, Quantity: 1}, base.Add(2*time.Minute))
		require.NoError(t, err)

		trail, err := l.Transitions(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, trail, 3)
		assert.Equal(t, domain.IntentState(""), trail[0].FromState)
		assert.Equal(t, domain.StateCreated, trail[0].ToState)
		assert.Equal(t, domain.StatePaid, trail[1].ToState)
		assert.Equal(t, "TX", trail[1].PaymentTxID)
		assert.Equal(t, domain.StateFulfilled, trail[2].ToState)
		assert.Equal(t, "0xa1", trail[2].AssetID)
		for i := 1; i < len(trail); i++ {
			assert.Greater(t, trail[i].ID, trail[i-1].ID)
		}
	})
}

func mustGet(t *testing.T, l ledger, id uuid.UUID) *domain.PurchaseIntent {
	t.Helper()
	p, err := l.GetIntent(context.Background(), id)
	require.NoError(t, err)
	return p
}
