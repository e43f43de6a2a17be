package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/punchamoorthee/nftledger/internal/chain"
	"github.com/punchamoorthee/nftledger/internal/domain"
	"github.com/punchamoorthee/nftledger/internal/models"
)

const maxBodyBytes = 64 << 10

const schemaCreatePurchase = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["item_id", "quantity"],
  "properties": {
    "item_id": { "type": "string", "minLength": 1, "maxLength": 128 },
    "quantity": { "type": "integer" }
  },
  "additionalProperties": false
}`

const schemaConfirmPayment = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["tx_id"],
  "properties": {
    "tx_id": { "type": "string", "minLength": 1, "maxLength": 128 }
  },
  "additionalProperties": false
}`

var (
	createPurchaseLoader = gojsonschema.NewStringLoader(schemaCreatePurchase)
	confirmPaymentLoader = gojsonschema.NewStringLoader(schemaConfirmPayment)
)

func validateJSONSchema(schema gojsonschema.JSONLoader, body []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("malformed JSON body: %w", err)
	}
	if !result.Valid() {
		var sb strings.Builder
		for i, e := range result.Errors() {
			if i > 0 {
				sb.WriteString("; ")
			}
			sb.WriteString(e.String())
		}
		return fmt.Errorf("invalid request: %s", sb.String())
	}
	return nil
}

// readBody reads a size-limited body and validates it against schema.
func readBody(r *http.Request, schema gojsonschema.JSONLoader, dst any) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("stream read error: %w", err)
	}
	if err := validateJSONSchema(schema, body); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return nil, fmt.Errorf("malformed JSON body: %w", err)
	}
	return body, nil
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreatePurchaseHandler(w http.ResponseWriter, r *http.Request) {
	caller, _ := PrincipalFrom(r.Context())

	// 1. Validate Header
	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		respondError(w, r, http.StatusBadRequest, "missing_idempotency_key", "Missing Idempotency-Key header")
		return
	}

	// 2. Read, Validate and Hash Body
	var req models.CreatePurchaseRequest
	body, err := readBody(r, createPurchaseLoader, &req)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	hash := sha256.Sum256(body)
	reqHash := hex.EncodeToString(hash[:])

	// 3. Call Service
	intent, replayed, err := h.purchases.PreparePayment(r.Context(), caller.Wallet, req.ItemID, req.Quantity, idempotencyKey, reqHash)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/v1/purchases/"+intent.ID.String())
	code := http.StatusCreated
	if replayed {
		code = http.StatusOK
	}
	respondJSON(w, r, code, models.NewPurchase(*intent, nil))
}

func (h *Handler) ConfirmPaymentHandler(w http.ResponseWriter, r *http.Request) {
	caller, _ := PrincipalFrom(r.Context())
	id, ok := h.intentID(w, r)
	if !ok {
		return
	}

	var req models.ConfirmPaymentRequest
	if _, err := readBody(r, confirmPaymentLoader, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	status, err := h.purchases.ConfirmPayment(r.Context(), caller.Wallet, id, strings.TrimSpace(req.TxID))
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, models.NewPurchase(status.Intent, status.LinkedAssets))
}

func (h *Handler) GetPurchaseHandler(w http.ResponseWriter, r *http.Request) {
	caller, _ := PrincipalFrom(r.Context())
	id, ok := h.intentID(w, r)
	if !ok {
		return
	}

	status, err := h.purchases.GetPurchaseStatus(r.Context(), caller.Wallet, id)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, models.NewPurchase(status.Intent, status.LinkedAssets))
}

func (h *Handler) GetTransitionsHandler(w http.ResponseWriter, r *http.Request) {
	caller, _ := PrincipalFrom(r.Context())
	id, ok := h.intentID(w, r)
	if !ok {
		return
	}

	trail, err := h.purchases.Transitions(r.Context(), caller.Wallet, id)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, trail)
}

func (h *Handler) ReconcileWalletHandler(w http.ResponseWriter, r *http.Request) {
	caller, _ := PrincipalFrom(r.Context())
	h.reconcile(w, r, caller.Wallet)
}

func (h *Handler) OpsReconcileHandler(w http.ResponseWriter, r *http.Request) {
	wallet := chain.NormalizeAddress(mux.Vars(r)["wallet"])
	if wallet == "" {
		respondError(w, r, http.StatusBadRequest, "invalid_wallet", "wallet is required")
		return
	}
	h.reconcile(w, r, wallet)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request, wallet string) {
	results, err := h.purchases.ReconcileWallet(r.Context(), wallet)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	if results == nil {
		results = []domain.FulfillmentResult{}
	}
	respondJSON(w, r, http.StatusOK, models.ReconcileResponse{Wallet: wallet, Results: results})
}

func (h *Handler) OpsSweepHandler(w http.ResponseWriter, r *http.Request) {
	caller, _ := PrincipalFrom(r.Context())
	report, err := h.sweeper.SweepOnce(r.Context())
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.log.Info("manual sweep", zap.String("operator", caller.Wallet), zap.Int("linked", report.Linked))
	respondJSON(w, r, http.StatusOK, report)
}

func (h *Handler) intentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, r, http.StatusNotFound, "intent_not_found", "purchase intent not found")
		return uuid.Nil, false
	}
	return id, true
}
