package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/nftledger/internal/domain"
)

type idemRecord struct {
	hash     string
	intentID uuid.UUID
}

// MemoryStore keeps the ledger in process. Each method runs under one mutex,
// which gives it the same all-or-nothing behaviour as a LedgerStore transaction.
// It also serves as the catalog.
type MemoryStore struct {
	mu          sync.Mutex
	intents     map[uuid.UUID]*domain.PurchaseIntent
	byTx        map[string]uuid.UUID
	assets      map[string]*domain.OwnedAsset
	transitions []domain.Transition
	idem        map[string]idemRecord
	items       map[string]domain.CatalogItem
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents: make(map[uuid.UUID]*domain.PurchaseIntent),
		byTx:    make(map[string]uuid.UUID),
		assets:  make(map[string]*domain.OwnedAsset),
		idem:    make(map[string]idemRecord),
		items:   make(map[string]domain.CatalogItem),
	}
}

// AddItem registers or replaces a catalog listing.
func (m *MemoryStore) AddItem(item domain.CatalogItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ItemID] = item
}

func (m *MemoryStore) GetItem(_ context.Context, itemID string) (*domain.CatalogItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return nil, domain.ErrItemUnavailable
	}
	return &item, nil
}

func (m *MemoryStore) record(t domain.Transition) {
	t.ID = int64(len(m.transitions) + 1)
	m.transitions = append(m.transitions, t)
}

func cloneIntent(p *domain.PurchaseIntent) *domain.PurchaseIntent {
	c := *p
	if p.PaymentTxID != nil {
		tx := *p.PaymentTxID
		c.PaymentTxID = &tx
	}
	if p.ReceivedAmount != nil {
		amt := *p.ReceivedAmount
		c.ReceivedAmount = &amt
	}
	return &c
}

func (m *MemoryStore) CreateIntent(_ context.Context, intent domain.PurchaseIntent, idemKey, reqHash string) (*domain.PurchaseIntent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := intent.BuyerWallet + "|" + idemKey
	if rec, ok := m.idem[key]; ok {
		if rec.hash != reqHash {
			return nil, false, domain.ErrIdempotencyKey
		}
		return cloneIntent(m.intents[rec.intentID]), true, nil
	}

	p := intent
	p.State = domain.StateCreated
	p.PaymentTxID = nil
	p.ReceivedAmount = nil
	p.FulfilledUnits = 0
	m.intents[p.ID] = &p
	m.idem[key] = idemRecord{hash: reqHash, intentID: p.ID}
	m.record(domain.Transition{
		IntentID:  p.ID,
		ToState:   domain.StateCreated,
		Detail:    fmt.Sprintf("expected %s %s", p.ExpectedAmount.String(), p.CoinType),
		CreatedAt: p.CreatedAt,
	})
	return cloneIntent(&p), false, nil
}

func (m *MemoryStore) IntentByIdempotencyKey(_ context.Context, wallet, idemKey, reqHash string) (*domain.PurchaseIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idem[wallet+"|"+idemKey]
	if !ok {
		return nil, domain.ErrIntentNotFound
	}
	if rec.hash != reqHash {
		return nil, domain.ErrIdempotencyKey
	}
	return cloneIntent(m.intents[rec.intentID]), nil
}

func (m *MemoryStore) GetIntent(_ context.Context, id uuid.UUID) (*domain.PurchaseIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.intents[id]
	if !ok {
		return nil, domain.ErrIntentNotFound
	}
	return cloneIntent(p), nil
}

func (m *MemoryStore) IntentByPaymentTx(_ context.Context, txID string) (*domain.PurchaseIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTx[txID]
	if !ok {
		return nil, domain.ErrIntentNotFound
	}
	return cloneIntent(m.intents[id]), nil
}

func (m *MemoryStore) MarkPaid(_ context.Context, payment domain.VerifiedPayment, detail string) (*domain.PurchaseIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.intents[payment.IntentID]
	if !ok || p.State != domain.StateCreated || !payment.PaidAt.Before(p.ExpiresAt) {
		return nil, domain.ErrStateConflict
	}
	if _, bound := m.byTx[payment.TxID]; bound {
		return nil, domain.ErrTxAlreadyBound
	}

	txID := payment.TxID
	amount := payment.Amount
	paidAt := payment.PaidAt
	p.State = domain.StatePaid
	p.PaymentTxID = &txID
	p.ReceivedAmount = &amount
	p.PaidAt = &paidAt
	m.byTx[txID] = p.ID
	m.record(domain.Transition{
		IntentID:    p.ID,
		FromState:   domain.StateCreated,
		ToState:     domain.StatePaid,
		PaymentTxID: txID,
		Detail:      detail,
		CreatedAt:   paidAt,
	})
	return cloneIntent(p), nil
}

func (m *MemoryStore) expireLocked(p *domain.PurchaseIntent, now time.Time) bool {
	if !p.Expired(now) {
		return false
	}
	at := now
	p.State = domain.StateExpired
	p.ExpiredAt = &at
	m.record(domain.Transition{
		IntentID:  p.ID,
		FromState: domain.StateCreated,
		ToState:   domain.StateExpired,
		Detail:    "payment window elapsed",
		CreatedAt: now,
	})
	return true
}

func (m *MemoryStore) ExpireIntent(_ context.Context, id uuid.UUID, now time.Time) (*domain.PurchaseIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.intents[id]
	if !ok {
		return nil, domain.ErrIntentNotFound
	}
	m.expireLocked(p, now)
	return cloneIntent(p), nil
}

func (m *MemoryStore) ExpireStale(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for _, p := range m.sortedIntents() {
		if m.expireLocked(p, now) {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

func (m *MemoryStore) FailStalePaid(_ context.Context, cutoff, now time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for _, p := range m.sortedIntents() {
		if p.State != domain.StatePaid || p.FulfilledUnits != 0 || p.Quarantined() || !p.PaidAt.Before(cutoff) {
			continue
		}
		at := now
		p.State = domain.StateFailed
		p.FailedAt = &at
		m.record(domain.Transition{
			IntentID:    p.ID,
			FromState:   domain.StatePaid,
			ToState:     domain.StateFailed,
			PaymentTxID: *p.PaymentTxID,
			Detail:      "no asset observed within fulfillment timeout",
			CreatedAt:   now,
		})
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// sortedIntents orders intents by paidAt, then createdAt, then id.
func (m *MemoryStore) sortedIntents() []*domain.PurchaseIntent {
	out := make([]*domain.PurchaseIntent, 0, len(m.intents))
	for _, p := range m.intents {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *domain.PurchaseIntent) int {
		if a.PaidAt != nil && b.PaidAt != nil {
			if c := a.PaidAt.Compare(*b.PaidAt); c != 0 {
				return c
			}
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return out
}

func (m *MemoryStore) PaidIntents(_ context.Context, wallet string) ([]domain.PurchaseIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PurchaseIntent
	for _, p := range m.sortedIntents() {
		if p.BuyerWallet == wallet && p.State == domain.StatePaid && !p.Quarantined() {
			out = append(out, *cloneIntent(p))
		}
	}
	return out, nil
}

func (m *MemoryStore) WalletsWithPaidIntents(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var wallets []string
	for _, p := range m.intents {
		if p.State == domain.StatePaid && !p.Quarantined() && !seen[p.BuyerWallet] {
			seen[p.BuyerWallet] = true
			wallets = append(wallets, p.BuyerWallet)
		}
	}
	slices.Sort(wallets)
	return wallets, nil
}

func (m *MemoryStore) UpsertObservedAssets(_ context.Context, assets []domain.OwnedAsset) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := 0
	for _, a := range assets {
		existing, ok := m.assets[a.AssetID]
		switch {
		case !ok:
			c := a
			c.LinkedPurchaseID = nil
			c.LinkedAt = nil
			m.assets[a.AssetID] = &c
			changed++
		case !existing.Linked() && existing.OwnerWallet != a.OwnerWallet:
			existing.OwnerWallet = a.OwnerWallet
			changed++
		}
	}
	return changed, nil
}

func (m *MemoryStore) ReleaseDepartedAssets(_ context.Context, wallet, collection string, seen []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	released := 0
	for _, a := range m.assets {
		if a.Linked() || a.OwnerWallet != wallet || a.Collection != collection || slices.Contains(seen, a.AssetID) {
			continue
		}
		a.OwnerWallet = departedOwner
		released++
	}
	return released, nil
}

func (m *MemoryStore) sortedAssets(keep func(*domain.OwnedAsset) bool) []domain.OwnedAsset {
	var out []domain.OwnedAsset
	for _, a := range m.assets {
		if keep(a) {
			out = append(out, *a)
		}
	}
	slices.SortFunc(out, func(a, b domain.OwnedAsset) int {
		if c := a.FirstObservedAt.Compare(b.FirstObservedAt); c != 0 {
			return c
		}
		return strings.Compare(a.AssetID, b.AssetID)
	})
	return out
}

func (m *MemoryStore) UnlinkedAssets(_ context.Context, wallet string) ([]domain.OwnedAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedAssets(func(a *domain.OwnedAsset) bool {
		return a.OwnerWallet == wallet && !a.Linked()
	}), nil
}

func (m *MemoryStore) LinkedAssets(_ context.Context, intentID uuid.UUID) ([]domain.OwnedAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedAssets(func(a *domain.OwnedAsset) bool {
		return a.LinkedPurchaseID != nil && *a.LinkedPurchaseID == intentID
	}), nil
}

func (m *MemoryStore) LinkAsset(_ context.Context, pr domain.Pairing, now time.Time) (*domain.PurchaseIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assets[pr.AssetID]
	if !ok || a.Linked() || a.OwnerWallet != pr.BuyerWallet {
		return nil, domain.ErrMatchConflict
	}
	p, ok := m.intents[pr.IntentID]
	if !ok || p.State != domain.StatePaid || p.FulfilledUnits != pr.ExpectedUnits || p.Quarantined() {
		return nil, domain.ErrMatchConflict
	}

	id := p.ID
	at := now
	a.LinkedPurchaseID = &id
	a.LinkedAt = &at
	p.FulfilledUnits++
	if p.FulfilledUnits == p.Quantity {
		p.State = domain.StateFulfilled
		p.FulfilledAt = &at
	}
	m.record(domain.Transition{
		IntentID:  p.ID,
		FromState: domain.StatePaid,
		ToState:   p.State,
		AssetID:   a.AssetID,
		Detail:    fmt.Sprintf("unit %d/%d linked", p.FulfilledUnits, p.Quantity),
		CreatedAt: now,
	})
	return cloneIntent(p), nil
}

func (m *MemoryStore) FindInvariantViolations(_ context.Context) ([]domain.InvariantViolation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	linked := make(map[uuid.UUID]int)
	foreign := make(map[uuid.UUID]int)
	for _, a := range m.assets {
		if a.LinkedPurchaseID == nil {
			continue
		}
		id := *a.LinkedPurchaseID
		linked[id]++
		if p, ok := m.intents[id]; ok && p.BuyerWallet != a.OwnerWallet {
			foreign[id]++
		}
	}

	var out []domain.InvariantViolation
	for _, p := range m.sortedIntents() {
		if p.Quarantined() {
			continue
		}
		switch p.State {
		case domain.StatePaid, domain.StateFulfilled, domain.StateFailed:
		default:
			continue
		}
		n := linked[p.ID]
		if n != p.FulfilledUnits || foreign[p.ID] > 0 || (p.State == domain.StateFulfilled && n != p.Quantity) {
			out = append(out, domain.InvariantViolation{
				IntentID: p.ID,
				Reason:   describeViolation(p.State, p.Quantity, p.FulfilledUnits, n, foreign[p.ID]),
			})
		}
	}
	return out, nil
}

func (m *MemoryStore) Quarantine(_ context.Context, id uuid.UUID, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.intents[id]
	if !ok || p.Quarantined() {
		return nil
	}
	at := now
	p.QuarantinedAt = &at
	p.QuarantineNote = reason
	m.record(domain.Transition{
		IntentID:  id,
		FromState: p.State,
		ToState:   p.State,
		Detail:    "quarantined: " + reason,
		CreatedAt: now,
	})
	return nil
}

func (m *MemoryStore) Transitions(_ context.Context, intentID uuid.UUID) ([]domain.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Transition
	for _, t := range m.transitions {
		if t.IntentID == intentID {
			out = append(out, t)
		}
	}
	return out, nil
}
