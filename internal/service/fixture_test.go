package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/punchamoorthee/nftledger/internal/chain"
	"github.com/punchamoorthee/nftledger/internal/chain/chaintest"
	"github.com/punchamoorthee/nftledger/internal/domain"
	"github.com/punchamoorthee/nftledger/internal/store"
)

const (
	carCollection  = "0x5ace::racer::Car"
	kartCollection = "0x5ace::racer::Kart"
	intentTTL      = 30 * time.Minute
)

var (
	buyer    = chain.NormalizeAddress("0xb0b")
	stranger = chain.NormalizeAddress("0xa11ce")
	treasury = chain.NormalizeAddress("0x7ea5")
	suiCoin  = chain.NormalizeCoinType("0x2::sui::SUI")
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	ledger   *store.MemoryStore
	chain    *chaintest.FakeObserver
	clock    *testClock
	verifier *Verifier
	matcher  *Matcher
	svc      *PurchaseService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ledger: store.NewMemoryStore(),
		chain:  chaintest.NewFakeObserver(),
		clock:  &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.ledger.AddItem(domain.CatalogItem{ItemID: "car-1", Name: "Comet", Price: decimal.NewFromInt(100), Collection: carCollection, StockRemaining: 10, Available: true})
	f.ledger.AddItem(domain.CatalogItem{ItemID: "kart-1", Name: "Pebble", Price: decimal.RequireFromString("2.5"), Collection: kartCollection, StockRemaining: 10, Available: true})
	f.ledger.AddItem(domain.CatalogItem{ItemID: "car-rare", Name: "Nova", Price: decimal.NewFromInt(900), Collection: carCollection, StockRemaining: 1, Available: true})
	f.ledger.AddItem(domain.CatalogItem{ItemID: "car-retired", Name: "Relic", Price: decimal.NewFromInt(50), Collection: carCollection, StockRemaining: 3, Available: false})

	log := zap.NewNop()
	f.verifier = NewVerifier(f.ledger, f.chain, log, f.clock.Now)
	f.matcher = NewMatcher(f.ledger, f.chain, log, f.clock.Now)
	f.svc = NewPurchaseService(f.ledger, f.ledger, f.verifier, f.matcher, PurchaseConfig{
		TreasuryAddress: "0x7ea5",
		CoinType:        "0x2::sui::SUI",
		IntentTTL:       intentTTL,
	}, log, f.clock.Now)
	return f
}

func (f *fixture) prepare(t *testing.T, wallet, itemID string, quantity int) *domain.PurchaseIntent {
	t.Helper()
	intent, replayed, err := f.svc.PreparePayment(context.Background(), wallet, itemID, quantity, uuid.NewString(), "hash")
	require.NoError(t, err)
	require.False(t, replayed)
	return intent
}

// pay publishes a finalized transfer from sender to the treasury.
func (f *fixture) pay(txID, sender, amount string) {
	f.chain.AddTransaction(chain.ConfirmedTransaction{
		Digest:     txID,
		Sender:     sender,
		Recipient:  treasury,
		Amount:     decimal.RequireFromString(amount),
		CoinType:   suiCoin,
		Finalized:  true,
		Succeeded:  true,
		Checkpoint: 42,
	})
}

// paid drives a fresh intent to PAID.
func (f *fixture) paid(t *testing.T, itemID string, quantity int, txID string) *domain.PurchaseIntent {
	t.Helper()
	intent := f.prepare(t, buyer, itemID, quantity)
	f.pay(txID, buyer, intent.ExpectedAmount.String())
	status, err := f.svc.ConfirmPayment(context.Background(), buyer, intent.ID, txID)
	require.NoError(t, err)
	return &status.Intent
}

func (f *fixture) intent(t *testing.T, id uuid.UUID) *domain.PurchaseIntent {
	t.Helper()
	p, err := f.ledger.GetIntent(context.Background(), id)
	require.NoError(t, err)
	return p
}
