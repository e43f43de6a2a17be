package service

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/punchamoorthee/nftledger/internal/chain"
	"github.com/punchamoorthee/nftledger/internal/domain"
)

// Matcher pairs PAID intents with unlinked assets in the buyer's wallet.
type Matcher struct {
	ledger   Ledger
	observer chain.Observer
	log      *zap.Logger
	now      Clock
}

func NewMatcher(ledger Ledger, observer chain.Observer, log *zap.Logger, now Clock) *Matcher {
	if now == nil {
		now = systemClock
	}
	return &Matcher{ledger: ledger, observer: observer, log: log, now: now}
}

// PlanMatches assigns assets to intent units first-in first-out. Intents must
// be ordered by paidAt and assets by firstObservedAt. Within a collection each
// outstanding unit takes the earliest asset not yet taken; an asset owned by a
// different wallet is never planned.
func PlanMatches(intents []domain.PurchaseIntent, assets []domain.OwnedAsset) []domain.Pairing {
	pool := make(map[string][]domain.OwnedAsset)
	for _, a := range assets {
		if a.Linked() {
			continue
		}
		pool[a.Collection] = append(pool[a.Collection], a)
	}

	var plan []domain.Pairing
	for _, in := range intents {
		if in.State != domain.StatePaid || in.Quarantined() {
			continue
		}
		for unit := 0; unit < in.RemainingUnits(); unit++ {
			queue := pool[in.Collection]
			i := slices.IndexFunc(queue, func(a domain.OwnedAsset) bool {
				return a.OwnerWallet == in.BuyerWallet
			})
			if i < 0 {
				break
			}
			plan = append(plan, domain.Pairing{
				IntentID:      in.ID,
				AssetID:       queue[i].AssetID,
				BuyerWallet:   in.BuyerWallet,
				Quantity:      in.Quantity,
				ExpectedUnits: in.FulfilledUnits + unit,
			})
			pool[in.Collection] = slices.Delete(queue, i, i+1)
		}
	}
	return plan
}

// Reconcile mirrors the wallet's on-chain assets and commits every planned
// pairing it can. An intent whose pairing loses a race is reported as a
// conflict and retried on the next run.
func (m *Matcher) Reconcile(ctx context.Context, wallet string) ([]domain.FulfillmentResult, error) {
	wallet = chain.NormalizeAddress(wallet)

	intents, err := m.ledger.PaidIntents(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("load paid intents: %w", err)
	}
	if len(intents) == 0 {
		return nil, nil
	}

	m.observe(ctx, wallet, intents)

	assets, err := m.ledger.UnlinkedAssets(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("load unlinked assets: %w", err)
	}

	linked := make(map[uuid.UUID][]string)
	conflicted := make(map[uuid.UUID]bool)
	for _, p := range PlanMatches(intents, assets) {
		if conflicted[p.IntentID] {
			continue
		}
		_, err := m.ledger.LinkAsset(ctx, p, m.now())
		if errors.Is(err, domain.ErrMatchConflict) {
			linksTotal.WithLabelValues("conflict").Inc()
			conflicted[p.IntentID] = true
			m.log.Info("pairing lost to a concurrent reconcile",
				zap.String("intent_id", p.IntentID.String()),
				zap.String("asset_id", p.AssetID))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("link asset %s: %w", p.AssetID, err)
		}
		linksTotal.WithLabelValues("linked").Inc()
		linked[p.IntentID] = append(linked[p.IntentID], p.AssetID)
		m.log.Info("asset linked",
			zap.String("intent_id", p.IntentID.String()),
			zap.String("asset_id", p.AssetID),
			zap.Int("unit", p.ExpectedUnits+1),
			zap.Int("quantity", p.Quantity))
	}

	results := make([]domain.FulfillmentResult, 0, len(intents))
	for _, in := range intents {
		ids := linked[in.ID]
		r := domain.FulfillmentResult{
			IntentID:       in.ID,
			LinkedAssetIDs: ids,
			Remaining:      in.RemainingUnits() - len(ids),
		}
		switch {
		case conflicted[in.ID]:
			r.Status = domain.FulfillmentConflict
		case r.Remaining == 0:
			r.Status = domain.FulfillmentFulfilled
		case len(ids) > 0:
			r.Status = domain.FulfillmentPartial
		default:
			r.Status = domain.FulfillmentPending
		}
		results = append(results, r)
	}
	return results, nil
}

// observe refreshes the owned_assets mirror for every collection the wallet
// is waiting on. After a complete listing, unlinked assets the wallet no
// longer holds are released. Observer failures are logged and the run carries
// on with what is already mirrored.
func (m *Matcher) observe(ctx context.Context, wallet string, intents []domain.PurchaseIntent) {
	seen := make(map[string]bool)
	for _, in := range intents {
		if seen[in.Collection] {
			continue
		}
		seen[in.Collection] = true

		var batch []domain.OwnedAsset
		complete := true
		for a, err := range chain.OwnedAssets(ctx, m.observer, wallet, in.Collection, "") {
			if err != nil {
				complete = false
				observerErrorsTotal.WithLabelValues("list_owned_assets").Inc()
				m.log.Warn("owned asset listing failed",
					zap.String("wallet", wallet),
					zap.String("collection", in.Collection),
					zap.Error(err))
				break
			}
			batch = append(batch, domain.OwnedAsset{
				AssetID:         a.AssetID,
				OwnerWallet:     a.OwnerWallet,
				Collection:      a.Collection,
				FirstObservedAt: a.ObservedAt,
			})
		}

		changed, err := m.ledger.UpsertObservedAssets(ctx, batch)
		if err != nil {
			m.log.Warn("mirroring owned assets failed",
				zap.String("wallet", wallet),
				zap.String("collection", in.Collection),
				zap.Error(err))
			continue
		}
		if changed > 0 {
			m.log.Debug("owned assets mirrored",
				zap.String("wallet", wallet),
				zap.String("collection", in.Collection),
				zap.Int("changed", changed))
		}
		if !complete {
			continue
		}

		seenIDs := make([]string, 0, len(batch))
		for _, a := range batch {
			seenIDs = append(seenIDs, a.AssetID)
		}
		released, err := m.ledger.ReleaseDepartedAssets(ctx, wallet, in.Collection, seenIDs)
		if err != nil {
			m.log.Warn("releasing departed assets failed",
				zap.String("wallet", wallet),
				zap.String("collection", in.Collection),
				zap.Error(err))
			continue
		}
		if released > 0 {
			m.log.Info("assets left the wallet",
				zap.String("wallet", wallet),
				zap.String("collection", in.Collection),
				zap.Int("released", released))
		}
	}
}
