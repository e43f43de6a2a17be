package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/nftledger/internal/chain"
	"github.com/punchamoorthee/nftledger/internal/domain"
)

// PurchaseConfig holds the values frozen into every new intent.
type PurchaseConfig struct {
	TreasuryAddress string
	CoinType        string
	IntentTTL       time.Duration
}

// PurchaseStatus is an intent together with the assets fulfilling it.
type PurchaseStatus struct {
	Intent       domain.PurchaseIntent
	LinkedAssets []domain.OwnedAsset
}

// PurchaseService implements the buyer-facing reconciliation operations.
type PurchaseService struct {
	ledger   Ledger
	catalog  Catalog
	verifier *Verifier
	matcher  *Matcher
	cfg      PurchaseConfig
	log      *zap.Logger
	now      Clock
}

func NewPurchaseService(ledger Ledger, catalog Catalog, verifier *Verifier, matcher *Matcher, cfg PurchaseConfig, log *zap.Logger, now Clock) *PurchaseService {
	if now == nil {
		now = systemClock
	}
	cfg.TreasuryAddress = chain.NormalizeAddress(cfg.TreasuryAddress)
	cfg.CoinType = chain.NormalizeCoinType(cfg.CoinType)
	return &PurchaseService{
		ledger:   ledger,
		catalog:  catalog,
		verifier: verifier,
		matcher:  matcher,
		cfg:      cfg,
		log:      log,
		now:      now,
	}
}

// PreparePayment records a CREATED intent for quantity units of itemID. The
// same idempotency key and request hash always return the same intent, with
// replayed set on every call after the first.
func (s *PurchaseService) PreparePayment(ctx context.Context, wallet, itemID string, quantity int, idemKey, reqHash string) (*domain.PurchaseIntent, bool, error) {
	if quantity <= 0 {
		return nil, false, domain.ErrInvalidQuantity
	}
	wallet = chain.NormalizeAddress(wallet)

	// A replay returns the original intent even if the listing changed since.
	existing, err := s.ledger.IntentByIdempotencyKey(ctx, wallet, idemKey, reqHash)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, domain.ErrIntentNotFound) {
		return nil, false, err
	}

	item, err := s.catalog.GetItem(ctx, itemID)
	if err != nil {
		return nil, false, err
	}
	if !item.Available {
		return nil, false, domain.ErrItemUnavailable
	}
	if item.StockRemaining < quantity {
		return nil, false, domain.ErrOutOfStock.Withf("%d left of %s, requested %d", item.StockRemaining, itemID, quantity)
	}

	now := s.now()
	intent := domain.PurchaseIntent{
		ID:              uuid.New(),
		BuyerWallet:     wallet,
		ItemID:          item.ItemID,
		Collection:      item.Collection,
		Quantity:        quantity,
		ExpectedAmount:  item.Price.Mul(decimal.NewFromInt(int64(quantity))),
		CoinType:        s.cfg.CoinType,
		TreasuryAddress: s.cfg.TreasuryAddress,
		State:           domain.StateCreated,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.cfg.IntentTTL),
	}

	created, replayed, err := s.ledger.CreateIntent(ctx, intent, idemKey, reqHash)
	if err != nil {
		return nil, false, err
	}
	if !replayed {
		s.log.Info("purchase intent created",
			zap.String("intent_id", created.ID.String()),
			zap.String("wallet", created.BuyerWallet),
			zap.String("item_id", created.ItemID),
			zap.Int("quantity", created.Quantity),
			zap.String("expected_amount", created.ExpectedAmount.String()))
	}
	return created, replayed, nil
}

// ConfirmPayment verifies txID against the wallet's intent and then runs the
// matcher for the wallet. A matcher failure does not fail the confirm; the
// sweeper retries it.
func (s *PurchaseService) ConfirmPayment(ctx context.Context, wallet string, intentID uuid.UUID, txID string) (*PurchaseStatus, error) {
	intent, err := s.owned(ctx, wallet, intentID)
	if err != nil {
		return nil, err
	}

	if _, err := s.verifier.Verify(ctx, intent, txID); err != nil {
		if domain.KindOf(err) == domain.KindInternal {
			s.log.Error("payment verification failed",
				zap.String("intent_id", intentID.String()),
				zap.String("tx_id", txID),
				zap.Error(err))
		}
		return nil, err
	}

	if _, err := s.matcher.Reconcile(ctx, intent.BuyerWallet); err != nil {
		s.log.Warn("reconcile after confirm failed",
			zap.String("intent_id", intentID.String()),
			zap.Error(err))
	}
	return s.status(ctx, intentID)
}

// GetPurchaseStatus returns the wallet's intent and its linked assets. An
// overdue CREATED intent is expired on read.
func (s *PurchaseService) GetPurchaseStatus(ctx context.Context, wallet string, intentID uuid.UUID) (*PurchaseStatus, error) {
	intent, err := s.owned(ctx, wallet, intentID)
	if err != nil {
		return nil, err
	}
	if now := s.now(); intent.Expired(now) {
		if _, err := s.ledger.ExpireIntent(ctx, intent.ID, now); err != nil {
			return nil, fmt.Errorf("expire intent: %w", err)
		}
	}
	return s.status(ctx, intentID)
}

// Transitions returns the audit trail of the wallet's intent.
func (s *PurchaseService) Transitions(ctx context.Context, wallet string, intentID uuid.UUID) ([]domain.Transition, error) {
	if _, err := s.owned(ctx, wallet, intentID); err != nil {
		return nil, err
	}
	return s.ledger.Transitions(ctx, intentID)
}

// ReconcileWallet runs the matcher for one wallet on demand.
func (s *PurchaseService) ReconcileWallet(ctx context.Context, wallet string) ([]domain.FulfillmentResult, error) {
	return s.matcher.Reconcile(ctx, wallet)
}

// owned loads an intent, hiding intents of other wallets behind not found.
func (s *PurchaseService) owned(ctx context.Context, wallet string, intentID uuid.UUID) (*domain.PurchaseIntent, error) {
	intent, err := s.ledger.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if !chain.SameAddress(intent.BuyerWallet, wallet) {
		return nil, domain.ErrIntentNotFound
	}
	return intent, nil
}

func (s *PurchaseService) status(ctx context.Context, intentID uuid.UUID) (*PurchaseStatus, error) {
	intent, err := s.ledger.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	assets, err := s.ledger.LinkedAssets(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("load linked assets: %w", err)
	}
	return &PurchaseStatus{Intent: *intent, LinkedAssets: assets}, nil
}
