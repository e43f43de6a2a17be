package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/punchamoorthee/nftledger/internal/domain"
)

const ownedObjectsPageSize = 50

// SuiConfig configures the JSON-RPC observer.
type SuiConfig struct {
	URL          string
	Timeout      time.Duration
	RateRPS      float64
	RateBurst    int
	CoinType     string
	CoinDecimals int32
}

// SuiClient implements Observer against a Sui full node.
type SuiClient struct {
	http     *resty.Client
	url      string
	limiter  *rate.Limiter
	coinType string
	decimals int32
	log      *zap.Logger
	nextID   atomic.Int64
}

func NewSuiClient(cfg SuiConfig, log *zap.Logger) *SuiClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RateBurst < 1 {
		cfg.RateBurst = 1
	}
	limit := rate.Inf
	if cfg.RateRPS > 0 {
		limit = rate.Limit(cfg.RateRPS)
	}

	httpClient := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == 429 || r.StatusCode() >= 500
		})

	return &SuiClient{
		http:     httpClient,
		url:      cfg.URL,
		limiter:  rate.NewLimiter(limit, cfg.RateBurst),
		coinType: NormalizeCoinType(cfg.CoinType),
		decimals: cfg.CoinDecimals,
		log:      log,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type suiTransactionBlock struct {
	Digest      string `json:"digest"`
	Transaction *struct {
		Data struct {
			Sender string `json:"sender"`
		} `json:"data"`
	} `json:"transaction"`
	Effects *struct {
		Status struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		} `json:"status"`
	} `json:"effects"`
	BalanceChanges []suiBalanceChange `json:"balanceChanges"`
	Checkpoint     string             `json:"checkpoint"`
}

type suiBalanceChange struct {
	Owner    json.RawMessage `json:"owner"`
	CoinType string          `json:"coinType"`
	Amount   string          `json:"amount"`
}

type suiOwnedObjects struct {
	Data []struct {
		Data *struct {
			ObjectID string `json:"objectId"`
			Type     string `json:"type"`
		} `json:"data"`
	} `json:"data"`
	NextCursor  *string `json:"nextCursor"`
	HasNextPage bool    `json:"hasNextPage"`
}

func (c *SuiClient) call(ctx context.Context, method string, params []any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", domain.ErrChainUnavailable, err)
	}

	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post(c.url)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrChainUnavailable, method, err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("%w: %s returned status %d", domain.ErrChainUnavailable, method, resp.StatusCode())
	}

	var envelope rpcResponse
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return fmt.Errorf("%w: %s: malformed response: %v", domain.ErrChainUnavailable, method, err)
	}
	if envelope.Error != nil {
		if isNotFound(envelope.Error) {
			return fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, envelope.Error.Message)
		}
		return fmt.Errorf("%w: %s: rpc error %d: %s", domain.ErrChainUnavailable, method, envelope.Error.Code, envelope.Error.Message)
	}
	if len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return fmt.Errorf("%w: %s returned no result", domain.ErrTransactionNotFound, method)
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("%w: %s: decode result: %v", domain.ErrChainUnavailable, method, err)
	}
	return nil
}

func isNotFound(e *rpcError) bool {
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "could not find") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "does not exist") ||
		(e.Code == -32602 && strings.Contains(msg, "digest"))
}

// GetConfirmedTransaction fetches a transaction block with its balance changes.
func (c *SuiClient) GetConfirmedTransaction(ctx context.Context, txID string) (*ConfirmedTransaction, error) {
	opts := map[string]bool{
		"showInput":          true,
		"showEffects":        true,
		"showBalanceChanges": true,
	}
	var block suiTransactionBlock
	if err := c.call(ctx, "sui_getTransactionBlock", []any{txID, opts}, &block); err != nil {
		return nil, err
	}
	if block.Transaction == nil {
		return nil, fmt.Errorf("%w: transaction %s has no input data", domain.ErrChainUnavailable, txID)
	}

	tx := &ConfirmedTransaction{
		Digest: block.Digest,
		Sender: NormalizeAddress(block.Transaction.Data.Sender),
	}
	if block.Effects != nil {
		tx.Succeeded = block.Effects.Status.Status == "success"
	}
	if block.Checkpoint != "" {
		cp, err := strconv.ParseUint(block.Checkpoint, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad checkpoint %q", domain.ErrChainUnavailable, block.Checkpoint)
		}
		tx.Checkpoint = cp
		tx.Finalized = true
	}

	best, credits, err := c.pickCredit(tx.Sender, block.BalanceChanges)
	if err != nil {
		return nil, err
	}
	tx.Recipient = best.Recipient
	tx.CoinType = best.CoinType
	tx.Amount = best.Amount
	tx.Credits = credits

	c.log.Debug("fetched transaction",
		zap.String("digest", tx.Digest),
		zap.String("sender", tx.Sender),
		zap.String("recipient", tx.Recipient),
		zap.String("amount", tx.Amount.String()),
		zap.Bool("finalized", tx.Finalized))
	return tx, nil
}

// pickCredit sums credits per recipient and coin, skipping the sender, and
// selects the largest one, preferring the configured payment coin.
func (c *SuiClient) pickCredit(sender string, changes []suiBalanceChange) (Credit, []Credit, error) {
	type creditKey struct{ owner, coin string }
	var (
		order []creditKey
		sums  = make(map[creditKey]decimal.Decimal)
	)
	for _, ch := range changes {
		owner := addressOwner(ch.Owner)
		if owner == "" || owner == sender {
			continue
		}
		raw, err := decimal.NewFromString(ch.Amount)
		if err != nil {
			return Credit{}, nil, fmt.Errorf("%w: bad balance change amount %q", domain.ErrChainUnavailable, ch.Amount)
		}
		k := creditKey{owner, NormalizeCoinType(ch.CoinType)}
		if _, ok := sums[k]; !ok {
			order = append(order, k)
		}
		sums[k] = sums[k].Add(raw)
	}

	var (
		credits       []Credit
		best          Credit
		bestPreferred bool
	)
	for _, k := range order {
		raw := sums[k]
		if !raw.IsPositive() {
			continue
		}
		credit := Credit{Recipient: k.owner, CoinType: k.coin, Amount: raw.Shift(-c.decimals)}
		credits = append(credits, credit)

		preferred := k.coin == c.coinType
		switch {
		case best.Recipient == "",
			preferred && !bestPreferred,
			preferred == bestPreferred && credit.Amount.GreaterThan(best.Amount):
			best, bestPreferred = credit, preferred
		}
	}
	if best.Recipient == "" {
		best.Amount = decimal.Zero
	}
	return best, credits, nil
}

func addressOwner(raw json.RawMessage) string {
	var owner struct {
		AddressOwner string `json:"AddressOwner"`
	}
	if err := json.Unmarshal(raw, &owner); err != nil {
		return ""
	}
	return NormalizeAddress(owner.AddressOwner)
}

// ListOwnedAssets returns one page of objects of the collection's struct type.
func (c *SuiClient) ListOwnedAssets(ctx context.Context, wallet, collection, cursor string) (*AssetPage, error) {
	query := map[string]any{
		"filter":  map[string]string{"StructType": collection},
		"options": map[string]bool{"showType": true},
	}
	var cur any
	if cursor != "" {
		cur = cursor
	}

	var result suiOwnedObjects
	err := c.call(ctx, "suix_getOwnedObjects", []any{wallet, query, cur, ownedObjectsPageSize}, &result)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	owner := NormalizeAddress(wallet)
	page := &AssetPage{HasNext: result.HasNextPage}
	if result.NextCursor != nil {
		page.NextCursor = *result.NextCursor
	}
	for _, obj := range result.Data {
		if obj.Data == nil || obj.Data.ObjectID == "" {
			continue
		}
		page.Assets = append(page.Assets, ObservedAsset{
			AssetID:     NormalizeAddress(obj.Data.ObjectID),
			OwnerWallet: owner,
			Collection:  collection,
			ObservedAt:  now,
		})
	}
	return page, nil
}

// NormalizeCoinType pads the package address of a Move type tag.
func NormalizeCoinType(t string) string {
	parts := strings.SplitN(strings.TrimSpace(t), "::", 2)
	if len(parts) != 2 {
		return t
	}
	return NormalizeAddress(parts[0]) + "::" + parts[1]
}
