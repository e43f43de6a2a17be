package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/nftledger/internal/domain"
)

const pgUniqueViolation = "23505"

// departedOwner marks an unlinked asset that has left the wallet it was seen in.
const departedOwner = ""

const intentColumns = `id, buyer_wallet, item_id, collection, quantity, expected_amount::text,
	coin_type, treasury_address, state, payment_tx_id, received_amount::text, fulfilled_units,
	created_at, expires_at, paid_at, fulfilled_at, expired_at, failed_at, quarantined_at,
	COALESCE(quarantine_reason, '')`

const assetColumns = `asset_id, owner_wallet, collection, linked_purchase_id, first_observed_at, linked_at`

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// LedgerStore is the Postgres source of truth for intents, owned assets and
// the transition log. Cross-row invariants live in the schema; every state
// change is a conditional update.
type LedgerStore struct {
	db *pgxpool.Pool
}

func NewLedgerStore(db *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{db: db}
}

// Connect parses connString, opens a pool and pings it.
func Connect(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return pool, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func scanIntent(row pgx.Row) (*domain.PurchaseIntent, error) {
	var (
		p        domain.PurchaseIntent
		expected string
		received *string
		state    string
	)
	err := row.Scan(&p.ID, &p.BuyerWallet, &p.ItemID, &p.Collection, &p.Quantity, &expected,
		&p.CoinType, &p.TreasuryAddress, &state, &p.PaymentTxID, &received, &p.FulfilledUnits,
		&p.CreatedAt, &p.ExpiresAt, &p.PaidAt, &p.FulfilledAt, &p.ExpiredAt, &p.FailedAt, &p.QuarantinedAt,
		&p.QuarantineNote)
	if err != nil {
		return nil, err
	}

	p.State = domain.IntentState(state)
	if p.ExpectedAmount, err = decimal.NewFromString(expected); err != nil {
		return nil, fmt.Errorf("parse expected_amount: %w", err)
	}
	if received != nil {
		amt, err := decimal.NewFromString(*received)
		if err != nil {
			return nil, fmt.Errorf("parse received_amount: %w", err)
		}
		p.ReceivedAmount = &amt
	}
	return &p, nil
}

func collectIntents(rows pgx.Rows) ([]domain.PurchaseIntent, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.PurchaseIntent, error) {
		p, err := scanIntent(row)
		if err != nil {
			return domain.PurchaseIntent{}, err
		}
		return *p, nil
	})
}

func collectAssets(rows pgx.Rows) ([]domain.OwnedAsset, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OwnedAsset, error) {
		var a domain.OwnedAsset
		err := row.Scan(&a.AssetID, &a.OwnerWallet, &a.Collection, &a.LinkedPurchaseID, &a.FirstObservedAt, &a.LinkedAt)
		return a, err
	})
}

func insertTransition(ctx context.Context, q querier, t domain.Transition) error {
	var from *string
	if t.FromState != "" {
		s := string(t.FromState)
		from = &s
	}
	_, err := q.Exec(ctx,
		`INSERT INTO intent_transitions (intent_id, from_state, to_state, payment_tx_id, asset_id, detail, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7)`,
		t.IntentID, from, string(t.ToState), t.PaymentTxID, t.AssetID, t.Detail, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit insert failed: %w", err)
	}
	return nil
}

// CreateIntent inserts a CREATED intent guarded by the buyer's idempotency key.
// A replay of the same key and request hash returns the original intent with
// replayed set; a different hash fails with domain.ErrIdempotencyKey.
func (s *LedgerStore) CreateIntent(ctx context.Context, intent domain.PurchaseIntent, idemKey, reqHash string) (*domain.PurchaseIntent, bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Idempotency check
	existing, err := s.lookupIdempotencyKey(ctx, tx, intent.BuyerWallet, idemKey, reqHash)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, true, nil
	}

	// 2. Key reservation; a concurrent twin blocks here and then loses on the primary key.
	_, err = tx.Exec(ctx,
		`INSERT INTO idempotency_keys (buyer_wallet, key, request_hash) VALUES ($1, $2, $3)`,
		intent.BuyerWallet, idemKey, reqHash)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, false, domain.ErrRequestInFlight
		}
		return nil, false, fmt.Errorf("key reservation failed: %w", err)
	}

	// 3. Intent
	created, err := scanIntent(tx.QueryRow(ctx,
		`INSERT INTO purchase_intents (id, buyer_wallet, item_id, collection, quantity, expected_amount,
			coin_type, treasury_address, state, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11)
		 RETURNING `+intentColumns,
		intent.ID, intent.BuyerWallet, intent.ItemID, intent.Collection, intent.Quantity,
		intent.ExpectedAmount.String(), intent.CoinType, intent.TreasuryAddress,
		string(domain.StateCreated), intent.CreatedAt, intent.ExpiresAt))
	if err != nil {
		return nil, false, fmt.Errorf("intent insert failed: %w", err)
	}

	if err := insertTransition(ctx, tx, domain.Transition{
		IntentID:  created.ID,
		ToState:   domain.StateCreated,
		Detail:    fmt.Sprintf("expected %s %s", created.ExpectedAmount.String(), created.CoinType),
		CreatedAt: created.CreatedAt,
	}); err != nil {
		return nil, false, err
	}

	// 4. Finalize idempotency & commit
	_, err = tx.Exec(ctx,
		`UPDATE idempotency_keys SET intent_id = $1 WHERE buyer_wallet = $2 AND key = $3`,
		created.ID, intent.BuyerWallet, idemKey)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency update failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, false, domain.ErrRequestInFlight
		}
		return nil, false, fmt.Errorf("tx commit failed: %w", err)
	}
	return created, false, nil
}

// lookupIdempotencyKey returns the intent recorded under the buyer's key, or
// nil when the key is unused.
func (s *LedgerStore) lookupIdempotencyKey(ctx context.Context, q querier, wallet, idemKey, reqHash string) (*domain.PurchaseIntent, error) {
	var storedHash string
	var storedIntent *uuid.UUID
	err := q.QueryRow(ctx,
		`SELECT request_hash, intent_id FROM idempotency_keys WHERE buyer_wallet = $1 AND key = $2`,
		wallet, idemKey,
	).Scan(&storedHash, &storedIntent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}
	if storedHash != reqHash {
		return nil, domain.ErrIdempotencyKey
	}
	if storedIntent == nil {
		return nil, domain.ErrRequestInFlight
	}
	return s.getIntent(ctx, q, *storedIntent)
}

// IntentByIdempotencyKey resolves a replayed prepare request without touching
// the catalog. An unused key yields domain.ErrIntentNotFound.
func (s *LedgerStore) IntentByIdempotencyKey(ctx context.Context, wallet, idemKey, reqHash string) (*domain.PurchaseIntent, error) {
	p, err := s.lookupIdempotencyKey(ctx, s.db, wallet, idemKey, reqHash)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, domain.ErrIntentNotFound
	}
	return p, nil
}

func (s *LedgerStore) getIntent(ctx context.Context, q querier, id uuid.UUID) (*domain.PurchaseIntent, error) {
	p, err := scanIntent(q.QueryRow(ctx, `SELECT `+intentColumns+` FROM purchase_intents WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrIntentNotFound
		}
		return nil, fmt.Errorf("intent query failed: %w", err)
	}
	return p, nil
}

// GetIntent retrieves a single intent by ID.
func (s *LedgerStore) GetIntent(ctx context.Context, id uuid.UUID) (*domain.PurchaseIntent, error) {
	return s.getIntent(ctx, s.db, id)
}

// IntentByPaymentTx returns the intent bound to txID, if any.
func (s *LedgerStore) IntentByPaymentTx(ctx context.Context, txID string) (*domain.PurchaseIntent, error) {
	p, err := scanIntent(s.db.QueryRow(ctx, `SELECT `+intentColumns+` FROM purchase_intents WHERE payment_tx_id = $1`, txID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrIntentNotFound
		}
		return nil, fmt.Errorf("intent query failed: %w", err)
	}
	return p, nil
}

// MarkPaid binds the payment transaction and moves CREATED -> PAID in one
// conditional update. Losing a race on the intent yields domain.ErrStateConflict;
// losing it on the transaction yields domain.ErrTxAlreadyBound.
func (s *LedgerStore) MarkPaid(ctx context.Context, payment domain.VerifiedPayment, detail string) (*domain.PurchaseIntent, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	paid, err := scanIntent(tx.QueryRow(ctx,
		`UPDATE purchase_intents
		    SET state = 'PAID', payment_tx_id = $2, received_amount = $3::numeric, paid_at = $4
		  WHERE id = $1 AND state = 'CREATED' AND expires_at > $4
		 RETURNING `+intentColumns,
		payment.IntentID, payment.TxID, payment.Amount.String(), payment.PaidAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrTxAlreadyBound
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrStateConflict
		}
		return nil, fmt.Errorf("mark paid failed: %w", err)
	}

	if err := insertTransition(ctx, tx, domain.Transition{
		IntentID:    paid.ID,
		FromState:   domain.StateCreated,
		ToState:     domain.StatePaid,
		PaymentTxID: payment.TxID,
		Detail:      detail,
		CreatedAt:   payment.PaidAt,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrTxAlreadyBound
		}
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return paid, nil
}

// ExpireIntent moves a single overdue CREATED intent to EXPIRED and returns
// the intent as it stands afterwards, whichever actor moved it.
func (s *LedgerStore) ExpireIntent(ctx context.Context, id uuid.UUID, now time.Time) (*domain.PurchaseIntent, error) {
	expired, err := s.expire(ctx, `id = $2 AND`, now, id)
	if err != nil {
		return nil, err
	}
	if len(expired) == 1 {
		return &expired[0], nil
	}
	return s.GetIntent(ctx, id)
}

// ExpireStale moves every overdue CREATED intent to EXPIRED.
func (s *LedgerStore) ExpireStale(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	expired, err := s.expire(ctx, ``, now)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(expired))
	for i, p := range expired {
		ids[i] = p.ID
	}
	return ids, nil
}

func (s *LedgerStore) expire(ctx context.Context, filter string, now time.Time, args ...any) ([]domain.PurchaseIntent, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`UPDATE purchase_intents SET state = 'EXPIRED', expired_at = $1
		  WHERE `+filter+` state = 'CREATED' AND expires_at <= $1
		 RETURNING `+intentColumns,
		append([]any{now}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("expire failed: %w", err)
	}
	expired, err := collectIntents(rows)
	if err != nil {
		return nil, fmt.Errorf("expire scan failed: %w", err)
	}

	for _, p := range expired {
		if err := insertTransition(ctx, tx, domain.Transition{
			IntentID:  p.ID,
			FromState: domain.StateCreated,
			ToState:   domain.StateExpired,
			Detail:    "payment window elapsed",
			CreatedAt: now,
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return expired, nil
}

// FailStalePaid moves PAID intents with no matched units that were paid before
// cutoff to FAILED.
func (s *LedgerStore) FailStalePaid(ctx context.Context, cutoff, now time.Time) ([]uuid.UUID, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`UPDATE purchase_intents SET state = 'FAILED', failed_at = $2
		  WHERE state = 'PAID' AND fulfilled_units = 0 AND paid_at < $1 AND quarantined_at IS NULL
		 RETURNING id, payment_tx_id`,
		cutoff, now)
	if err != nil {
		return nil, fmt.Errorf("fail stale failed: %w", err)
	}
	type failedRow struct {
		ID   uuid.UUID
		TxID string
	}
	failed, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (failedRow, error) {
		var f failedRow
		err := row.Scan(&f.ID, &f.TxID)
		return f, err
	})
	if err != nil {
		return nil, fmt.Errorf("fail stale scan failed: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(failed))
	for _, f := range failed {
		if err := insertTransition(ctx, tx, domain.Transition{
			IntentID:    f.ID,
			FromState:   domain.StatePaid,
			ToState:     domain.StateFailed,
			PaymentTxID: f.TxID,
			Detail:      "no asset observed within fulfillment timeout",
			CreatedAt:   now,
		}); err != nil {
			return nil, err
		}
		ids = append(ids, f.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return ids, nil
}

// PaidIntents lists the wallet's reconcilable intents, first paid first.
func (s *LedgerStore) PaidIntents(ctx context.Context, wallet string) ([]domain.PurchaseIntent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+intentColumns+` FROM purchase_intents
		  WHERE buyer_wallet = $1 AND state = 'PAID' AND quarantined_at IS NULL
		  ORDER BY paid_at ASC, id ASC`,
		wallet)
	if err != nil {
		return nil, fmt.Errorf("paid intents query failed: %w", err)
	}
	return collectIntents(rows)
}

// WalletsWithPaidIntents lists wallets the sweeper should reconcile.
func (s *LedgerStore) WalletsWithPaidIntents(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT buyer_wallet FROM purchase_intents
		  WHERE state = 'PAID' AND quarantined_at IS NULL
		  ORDER BY buyer_wallet`)
	if err != nil {
		return nil, fmt.Errorf("wallets query failed: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// UpsertObservedAssets mirrors sightings. An unlinked asset seen under a new
// owner moves with it; linked rows are never touched.
func (s *LedgerStore) UpsertObservedAssets(ctx context.Context, assets []domain.OwnedAsset) (int, error) {
	if len(assets) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, a := range assets {
		batch.Queue(
			`INSERT INTO owned_assets (asset_id, owner_wallet, collection, first_observed_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (asset_id) DO UPDATE SET owner_wallet = EXCLUDED.owner_wallet
			  WHERE owned_assets.linked_purchase_id IS NULL
			    AND owned_assets.owner_wallet <> EXCLUDED.owner_wallet`,
			a.AssetID, a.OwnerWallet, a.Collection, a.FirstObservedAt)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	changed := 0
	for range assets {
		tag, err := results.Exec()
		if err != nil {
			return changed, fmt.Errorf("asset upsert failed: %w", err)
		}
		changed += int(tag.RowsAffected())
	}
	return changed, nil
}

// ReleaseDepartedAssets clears the owner of the wallet's unlinked assets in
// collection that a complete listing no longer contains. They stay out of
// matching until seen again.
func (s *LedgerStore) ReleaseDepartedAssets(ctx context.Context, wallet, collection string, seen []string) (int, error) {
	if seen == nil {
		seen = []string{}
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE owned_assets SET owner_wallet = $4
		  WHERE owner_wallet = $1 AND collection = $2 AND linked_purchase_id IS NULL
		    AND NOT (asset_id = ANY($3))`,
		wallet, collection, seen, departedOwner)
	if err != nil {
		return 0, fmt.Errorf("asset release failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// UnlinkedAssets lists the wallet's assets not yet attributed to a purchase,
// earliest observed first.
func (s *LedgerStore) UnlinkedAssets(ctx context.Context, wallet string) ([]domain.OwnedAsset, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+assetColumns+` FROM owned_assets
		  WHERE owner_wallet = $1 AND linked_purchase_id IS NULL
		  ORDER BY first_observed_at ASC, asset_id ASC`,
		wallet)
	if err != nil {
		return nil, fmt.Errorf("unlinked assets query failed: %w", err)
	}
	return collectAssets(rows)
}

// LinkedAssets lists assets attributed to an intent.
func (s *LedgerStore) LinkedAssets(ctx context.Context, intentID uuid.UUID) ([]domain.OwnedAsset, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+assetColumns+` FROM owned_assets WHERE linked_purchase_id = $1 ORDER BY linked_at, asset_id`,
		intentID)
	if err != nil {
		return nil, fmt.Errorf("linked assets query failed: %w", err)
	}
	return collectAssets(rows)
}

// LinkAsset commits one pairing: the asset must still be unlinked and owned by
// the buyer, and the intent must still be PAID with the planned unit count.
// Either guard failing rolls back both and yields domain.ErrMatchConflict.
func (s *LedgerStore) LinkAsset(ctx context.Context, p domain.Pairing, now time.Time) (*domain.PurchaseIntent, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE owned_assets SET linked_purchase_id = $1, linked_at = $4
		  WHERE asset_id = $2 AND owner_wallet = $3 AND linked_purchase_id IS NULL`,
		p.IntentID, p.AssetID, p.BuyerWallet, now)
	if err != nil {
		return nil, fmt.Errorf("asset link failed: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return nil, domain.ErrMatchConflict
	}

	intent, err := scanIntent(tx.QueryRow(ctx,
		`UPDATE purchase_intents
		    SET fulfilled_units = fulfilled_units + 1,
		        state = CASE WHEN fulfilled_units + 1 = quantity THEN 'FULFILLED' ELSE state END,
		        fulfilled_at = CASE WHEN fulfilled_units + 1 = quantity THEN $3 ELSE fulfilled_at END
		  WHERE id = $1 AND state = 'PAID' AND fulfilled_units = $2 AND quarantined_at IS NULL
		 RETURNING `+intentColumns,
		p.IntentID, p.ExpectedUnits, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMatchConflict
		}
		return nil, fmt.Errorf("intent fulfill failed: %w", err)
	}

	t := domain.Transition{
		IntentID:  intent.ID,
		FromState: domain.StatePaid,
		ToState:   intent.State,
		AssetID:   p.AssetID,
		Detail:    fmt.Sprintf("unit %d/%d linked", intent.FulfilledUnits, intent.Quantity),
		CreatedAt: now,
	}
	if err := insertTransition(ctx, tx, t); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return intent, nil
}

// FindInvariantViolations reports non-quarantined intents whose linked assets
// disagree with their state or unit count, or belong to another wallet.
func (s *LedgerStore) FindInvariantViolations(ctx context.Context) ([]domain.InvariantViolation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT i.id, i.state, i.quantity, i.fulfilled_units,
		        COUNT(a.asset_id) AS linked,
		        COUNT(a.asset_id) FILTER (WHERE a.owner_wallet <> i.buyer_wallet) AS foreign_owned
		   FROM purchase_intents i
		   LEFT JOIN owned_assets a ON a.linked_purchase_id = i.id
		  WHERE i.quarantined_at IS NULL AND i.state IN ('PAID', 'FULFILLED', 'FAILED')
		  GROUP BY i.id
		 HAVING COUNT(a.asset_id) <> i.fulfilled_units
		     OR COUNT(a.asset_id) FILTER (WHERE a.owner_wallet <> i.buyer_wallet) > 0
		     OR (i.state = 'FULFILLED' AND COUNT(a.asset_id) <> i.quantity)`)
	if err != nil {
		return nil, fmt.Errorf("invariant query failed: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.InvariantViolation, error) {
		var (
			v                    domain.InvariantViolation
			state                string
			quantity, units      int
			linked, foreignOwned int64
		)
		if err := row.Scan(&v.IntentID, &state, &quantity, &units, &linked, &foreignOwned); err != nil {
			return v, err
		}
		v.Reason = describeViolation(domain.IntentState(state), quantity, units, int(linked), int(foreignOwned))
		return v, nil
	})
}

func describeViolation(state domain.IntentState, quantity, units, linked, foreignOwned int) string {
	switch {
	case foreignOwned > 0:
		return fmt.Sprintf("%d linked asset(s) owned by another wallet", foreignOwned)
	case state == domain.StateFulfilled && linked != quantity:
		return fmt.Sprintf("%s intent has %d linked asset(s), expected %d", state, linked, quantity)
	default:
		return fmt.Sprintf("%s intent records %d fulfilled unit(s) but has %d linked asset(s)", state, units, linked)
	}
}

// Quarantine excludes an intent from automated reconciliation.
func (s *LedgerStore) Quarantine(ctx context.Context, id uuid.UUID, reason string, now time.Time) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var state string
	err = tx.QueryRow(ctx,
		`UPDATE purchase_intents SET quarantined_at = $2, quarantine_reason = $3
		  WHERE id = $1 AND quarantined_at IS NULL
		 RETURNING state`,
		id, now, reason).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("quarantine failed: %w", err)
	}

	if err := insertTransition(ctx, tx, domain.Transition{
		IntentID:  id,
		FromState: domain.IntentState(state),
		ToState:   domain.IntentState(state),
		Detail:    "quarantined: " + reason,
		CreatedAt: now,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Transitions returns the audit trail of an intent in insertion order.
func (s *LedgerStore) Transitions(ctx context.Context, intentID uuid.UUID) ([]domain.Transition, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, intent_id, COALESCE(from_state, ''), to_state, COALESCE(payment_tx_id, ''),
		        COALESCE(asset_id, ''), COALESCE(detail, ''), created_at
		   FROM intent_transitions WHERE intent_id = $1 ORDER BY id`,
		intentID)
	if err != nil {
		return nil, fmt.Errorf("transitions query failed: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Transition, error) {
		var t domain.Transition
		var from, to string
		err := row.Scan(&t.ID, &t.IntentID, &from, &to, &t.PaymentTxID, &t.AssetID, &t.Detail, &t.CreatedAt)
		t.FromState = domain.IntentState(from)
		t.ToState = domain.IntentState(to)
		return t, err
	})
}
