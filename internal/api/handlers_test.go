package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/punchamoorthee/nftledger/internal/chain"
	"github.com/punchamoorthee/nftledger/internal/chain/chaintest"
	"github.com/punchamoorthee/nftledger/internal/domain"
	"github.com/punchamoorthee/nftledger/internal/models"
	"github.com/punchamoorthee/nftledger/internal/service"
	"github.com/punchamoorthee/nftledger/internal/store"
)

const (
	testSecret    = "test-secret"
	carCollection = "0x5ace::racer::Car"
)

var (
	buyer    = chain.NormalizeAddress("0xb0b")
	stranger = chain.NormalizeAddress("0xa11ce")
	treasury = chain.NormalizeAddress("0x7ea5")
)

type server struct {
	router http.Handler
	auth   *Authenticator
	chain  *chaintest.FakeObserver
	now    time.Time
}

func newServer(t *testing.T) *server {
	t.Helper()
	s := &server{
		auth:  NewAuthenticator(testSecret),
		chain: chaintest.NewFakeObserver(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return s.now }

	ledger := store.NewMemoryStore()
	ledger.AddItem(domain.CatalogItem{ItemID: "car-1", Name: "Comet", Price: decimal.NewFromInt(100), Collection: carCollection, StockRemaining: 5, Available: true})

	log := zap.NewNop()
	verifier := service.NewVerifier(ledger, s.chain, log, clock)
	matcher := service.NewMatcher(ledger, s.chain, log, clock)
	purchases := service.NewPurchaseService(ledger, ledger, verifier, matcher, service.PurchaseConfig{
		TreasuryAddress: treasury,
		CoinType:        "0x2::sui::SUI",
		IntentTTL:       30 * time.Minute,
	}, log, clock)
	sweeper := service.NewSweeper(ledger, matcher, service.SweeperConfig{Concurrency: 2}, log, clock)

	s.router = NewHandler(purchases, sweeper, s.auth, log).Router()
	return s
}

func (s *server) token(t *testing.T, wallet, role string) string {
	t.Helper()
	tok, err := s.auth.Issue(wallet, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *server) do(t *testing.T, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *server) createPurchase(t *testing.T, token, key string, quantity int) models.Purchase {
	t.Helper()
	rec := s.do(t, "POST", "/api/v1/purchases", token,
		models.CreatePurchaseRequest{ItemID: "car-1", Quantity: quantity}, "Idempotency-Key", key)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[models.Purchase](t, rec)
}

func (s *server) pay(txID, sender string, amount int64) {
	s.chain.AddTransaction(chain.ConfirmedTransaction{
		Digest: txID, Sender: sender, Recipient: treasury, Amount: decimal.NewFromInt(amount),
		CoinType: chain.NormalizeCoinType("0x2::sui::SUI"), Finalized: true, Succeeded: true, Checkpoint: 7,
	})
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t)
	assert.Equal(t, http.StatusOK, s.do(t, "GET", "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, "GET", "/metrics", "", nil).Code)
}

func TestAuthRequired(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, "GET", "/api/v1/purchases/"+"00000000-0000-0000-0000-000000000000", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	forged, err := NewAuthenticator("other-secret").Issue(buyer, "", time.Hour)
	require.NoError(t, err)
	rec = s.do(t, "POST", "/api/v1/wallet/reconcile", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := s.auth.Issue(buyer, "", -time.Minute)
	require.NoError(t, err)
	rec = s.do(t, "POST", "/api/v1/wallet/reconcile", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreatePurchase(t *testing.T) {
	s := newServer(t)
	tok := s.token(t, buyer, "")

	rec := s.do(t, "POST", "/api/v1/purchases", tok, models.CreatePurchaseRequest{ItemID: "car-1", Quantity: 2})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "idempotency key is required")

	created := s.createPurchase(t, tok, "k1", 2)
	assert.Equal(t, domain.StateCreated, created.State)
	assert.Equal(t, buyer, created.BuyerWallet)
	assert.True(t, created.ExpectedAmount.Equal(decimal.NewFromInt(200)))
	assert.Equal(t, treasury, created.TreasuryAddress)

	rec = s.do(t, "POST", "/api/v1/purchases", tok, models.CreatePurchaseRequest{ItemID: "car-1", Quantity: 2}, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decode[models.Purchase](t, rec).ID)

	rec = s.do(t, "POST", "/api/v1/purchases", tok, models.CreatePurchaseRequest{ItemID: "car-1", Quantity: 3}, "Idempotency-Key", "k1")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "idempotency_mismatch", decode[models.ErrorResponse](t, rec).Code)

	rec = s.do(t, "POST", "/api/v1/purchases", tok, models.CreatePurchaseRequest{ItemID: "car-1", Quantity: 9}, "Idempotency-Key", "k2")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "out_of_stock", decode[models.ErrorResponse](t, rec).Code)

	rec = s.do(t, "POST", "/api/v1/purchases", tok, `{"item_id":"car-1","quantity":"two"}`, "Idempotency-Key", "k3")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, "POST", "/api/v1/purchases", tok, `{"item_id":"car-1","quantity":1,"buyer_wallet":"0xevil"}`, "Idempotency-Key", "k4")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "wallet never comes from the body")
}

func TestConfirmAndFulfil(t *testing.T) {
	s := newServer(t)
	tok := s.token(t, buyer, "")
	p := s.createPurchase(t, tok, "k1", 1)
	confirmPath := "/api/v1/purchases/" + p.ID.String() + "/confirm"

	rec := s.do(t, "POST", confirmPath, tok, models.ConfirmPaymentRequest{TxID: "TX"})
	assert.Equal(t, http.StatusAccepted, rec.Code, "unknown tx is pending, not failed")
	assert.Equal(t, "tx_not_found", decode[models.ErrorResponse](t, rec).Code)

	s.pay("SHORT", buyer, 40)
	rec = s.do(t, "POST", confirmPath, tok, models.ConfirmPaymentRequest{TxID: "SHORT"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "amount_mismatch", decode[models.ErrorResponse](t, rec).Code)

	s.pay("TX", buyer, 100)
	rec = s.do(t, "POST", confirmPath, tok, models.ConfirmPaymentRequest{TxID: "TX"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.StatePaid, decode[models.Purchase](t, rec).State)

	// Replay is harmless.
	rec = s.do(t, "POST", confirmPath, tok, models.ConfirmPaymentRequest{TxID: "TX"})
	assert.Equal(t, http.StatusOK, rec.Code)

	s.chain.Mint(buyer, carCollection, chain.NormalizeAddress("0xca1"))
	rec = s.do(t, "POST", "/api/v1/wallet/reconcile", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rr := decode[models.ReconcileResponse](t, rec)
	require.Len(t, rr.Results, 1)
	assert.Equal(t, domain.FulfillmentFulfilled, rr.Results[0].Status)

	rec = s.do(t, "GET", "/api/v1/purchases/"+p.ID.String(), tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[models.Purchase](t, rec)
	assert.Equal(t, domain.StateFulfilled, got.State)
	require.Len(t, got.LinkedAssets, 1)
	assert.Equal(t, chain.NormalizeAddress("0xca1"), got.LinkedAssets[0].AssetID)

	rec = s.do(t, "GET", "/api/v1/purchases/"+p.ID.String()+"/transitions", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.Transition](t, rec), 3)
}

func TestConfirmConflictAndExpiry(t *testing.T) {
	s := newServer(t)
	tok := s.token(t, buyer, "")
	a := s.createPurchase(t, tok, "k1", 1)
	b := s.createPurchase(t, tok, "k2", 1)
	s.pay("TX", buyer, 100)

	rec := s.do(t, "POST", "/api/v1/purchases/"+a.ID.String()+"/confirm", tok, models.ConfirmPaymentRequest{TxID: "TX"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, "POST", "/api/v1/purchases/"+b.ID.String()+"/confirm", tok, models.ConfirmPaymentRequest{TxID: "TX"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	s.now = s.now.Add(time.Hour)
	rec = s.do(t, "POST", "/api/v1/purchases/"+b.ID.String()+"/confirm", tok, models.ConfirmPaymentRequest{TxID: "TX2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "intent_expired", decode[models.ErrorResponse](t, rec).Code)
}

func TestOtherWalletsSeeNotFound(t *testing.T) {
	s := newServer(t)
	p := s.createPurchase(t, s.token(t, buyer, ""), "k1", 1)

	rec := s.do(t, "GET", "/api/v1/purchases/"+p.ID.String(), s.token(t, stranger, ""), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, "GET", "/api/v1/purchases/not-a-uuid", s.token(t, buyer, ""), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpsEndpoints(t *testing.T) {
	s := newServer(t)
	buyerTok := s.token(t, buyer, "")
	opsTok := s.token(t, stranger, RoleOps)

	assert.Equal(t, http.StatusForbidden, s.do(t, "POST", "/api/v1/ops/sweep", buyerTok, nil).Code)

	p := s.createPurchase(t, buyerTok, "k1", 1)
	s.pay("TX", buyer, 100)
	rec := s.do(t, "POST", "/api/v1/purchases/"+p.ID.String()+"/confirm", buyerTok, models.ConfirmPaymentRequest{TxID: "TX"})
	require.Equal(t, http.StatusOK, rec.Code)
	s.chain.Mint(buyer, carCollection, chain.NormalizeAddress("0xca1"))

	rec = s.do(t, "POST", "/api/v1/ops/wallets/0xb0b/reconcile", opsTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rr := decode[models.ReconcileResponse](t, rec)
	assert.Equal(t, buyer, rr.Wallet)
	require.Len(t, rr.Results, 1)
	assert.Equal(t, domain.FulfillmentFulfilled, rr.Results[0].Status)

	rec = s.do(t, "POST", "/api/v1/ops/sweep", opsTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, service.SweepReport{}, decode[service.SweepReport](t, rec))
}
