// Package chaintest provides an in-memory chain.Observer for tests.
package chaintest

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/punchamoorthee/nftledger/internal/chain"
	"github.com/punchamoorthee/nftledger/internal/domain"
)

// FakeObserver serves transactions and wallet objects from memory.
type FakeObserver struct {
	mu        sync.Mutex
	txs       map[string]chain.ConfirmedTransaction
	assets    map[string][]chain.ObservedAsset
	lastMint  time.Time
	PageSize  int
	Down      bool
	TxCalls   int
	ListCalls int

	// FailListAfter, when positive, fails every listing call after that many.
	FailListAfter int
}

func NewFakeObserver() *FakeObserver {
	return &FakeObserver{
		txs:      make(map[string]chain.ConfirmedTransaction),
		assets:   make(map[string][]chain.ObservedAsset),
		PageSize: 2,
	}
}

// AddTransaction registers a transaction under its digest.
func (f *FakeObserver) AddTransaction(tx chain.ConfirmedTransaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[tx.Digest] = tx
}

// Mint places a new object of collection in wallet. Later mints are always
// observed strictly later.
func (f *FakeObserver) Mint(wallet, collection, assetID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at := time.Now().UTC()
	if !at.After(f.lastMint) {
		at = f.lastMint.Add(time.Microsecond)
	}
	f.lastMint = at

	key := wallet + "|" + collection
	f.assets[key] = append(f.assets[key], chain.ObservedAsset{
		AssetID:     assetID,
		OwnerWallet: wallet,
		Collection:  collection,
		ObservedAt:  at,
	})
}

// Transfer moves an object out of from, as a wallet-to-wallet send does.
// It appears in to only when to is not empty.
func (f *FakeObserver) Transfer(from, to, collection, assetID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := from + "|" + collection
	i := slices.IndexFunc(f.assets[key], func(a chain.ObservedAsset) bool { return a.AssetID == assetID })
	if i < 0 {
		return
	}
	moved := f.assets[key][i]
	f.assets[key] = slices.Delete(f.assets[key], i, i+1)
	if to == "" {
		return
	}
	moved.OwnerWallet = to
	f.assets[to+"|"+collection] = append(f.assets[to+"|"+collection], moved)
}

// SetDown makes every call fail with domain.ErrChainUnavailable.
func (f *FakeObserver) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Down = down
}

func (f *FakeObserver) GetConfirmedTransaction(ctx context.Context, txID string) (*chain.ConfirmedTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TxCalls++
	if f.Down {
		return nil, domain.ErrChainUnavailable
	}
	tx, ok := f.txs[txID]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return &tx, nil
}

func (f *FakeObserver) ListOwnedAssets(ctx context.Context, wallet, collection, cursor string) (*chain.AssetPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListCalls++
	if f.Down || (f.FailListAfter > 0 && f.ListCalls > f.FailListAfter) {
		return nil, domain.ErrChainUnavailable
	}

	all := f.assets[wallet+"|"+collection]
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, domain.ErrChainUnavailable
		}
		start = n
	}
	if start > len(all) {
		start = len(all)
	}
	end := start + f.PageSize
	if end > len(all) {
		end = len(all)
	}

	page := &chain.AssetPage{Assets: append([]chain.ObservedAsset(nil), all[start:end]...)}
	if end < len(all) {
		page.HasNext = true
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}
