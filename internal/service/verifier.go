package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/punchamoorthee/nftledger/internal/chain"
	"github.com/punchamoorthee/nftledger/internal/domain"
)

// Verifier checks a claimed payment against the chain and binds it to an intent.
type Verifier struct {
	ledger   Ledger
	observer chain.Observer
	log      *zap.Logger
	now      Clock
}

func NewVerifier(ledger Ledger, observer chain.Observer, log *zap.Logger, now Clock) *Verifier {
	if now == nil {
		now = systemClock
	}
	return &Verifier{ledger: ledger, observer: observer, log: log, now: now}
}

// Verify confirms txID pays for intent and moves it to PAID. Replaying the
// transaction that already paid the intent returns the recorded payment.
// No ledger transaction is open while the observer is queried.
func (v *Verifier) Verify(ctx context.Context, intent *domain.PurchaseIntent, txID string) (*domain.VerifiedPayment, error) {
	payment, err := v.verify(ctx, intent, txID)
	verificationsTotal.WithLabelValues(outcome(err)).Inc()
	return payment, err
}

func outcome(err error) string {
	if err == nil {
		return "verified"
	}
	return domain.CodeOf(err)
}

func (v *Verifier) verify(ctx context.Context, intent *domain.PurchaseIntent, txID string) (*domain.VerifiedPayment, error) {
	if txID == "" {
		return nil, domain.ErrInvalidTxID
	}

	// 1. Lifecycle
	now := v.now()
	if intent.Expired(now) {
		if _, err := v.ledger.ExpireIntent(ctx, intent.ID, now); err != nil {
			return nil, fmt.Errorf("expire intent: %w", err)
		}
		return nil, domain.ErrIntentExpired
	}
	switch intent.State {
	case domain.StateExpired:
		return nil, domain.ErrIntentExpired
	case domain.StatePaid, domain.StateFulfilled, domain.StateFailed:
		return recordedPayment(intent, txID)
	}

	// 2. Cheap duplicate check; the UNIQUE constraint is the real guard.
	bound, err := v.ledger.IntentByPaymentTx(ctx, txID)
	switch {
	case err == nil && bound.ID != intent.ID:
		return nil, domain.ErrTxAlreadyBound
	case err != nil && !errors.Is(err, domain.ErrIntentNotFound):
		return nil, fmt.Errorf("lookup bound transaction: %w", err)
	}

	// 3. Chain
	tx, err := v.observer.GetConfirmedTransaction(ctx, txID)
	if err != nil {
		observerErrorsTotal.WithLabelValues("get_transaction").Inc()
		if domain.KindOf(err) == domain.KindInternal {
			return nil, fmt.Errorf("%w: %v", domain.ErrChainUnavailable, err)
		}
		return nil, err
	}
	if !tx.Finalized {
		return nil, domain.ErrTransactionNotFinalized
	}
	if !tx.Succeeded {
		return nil, domain.ErrTransactionFailed
	}

	// 4. Payment checks, against the treasury's own credit when there is one
	coinType := chain.NormalizeCoinType(intent.CoinType)
	paid := chain.Credit{Recipient: tx.Recipient, CoinType: tx.CoinType, Amount: tx.Amount}
	if c, ok := tx.CreditTo(intent.TreasuryAddress, coinType); ok {
		paid = c
	}
	if paid.CoinType != "" && paid.CoinType != coinType {
		return nil, domain.ErrCoinTypeMismatch.Withf("paid in %s, expected %s", paid.CoinType, intent.CoinType)
	}
	if paid.Amount.LessThan(intent.ExpectedAmount) {
		return nil, domain.ErrAmountMismatch.Withf("received %s, expected %s", paid.Amount.String(), intent.ExpectedAmount.String())
	}
	if !chain.SameAddress(paid.Recipient, intent.TreasuryAddress) {
		return nil, domain.ErrRecipientMismatch
	}
	if !chain.SameAddress(tx.Sender, intent.BuyerWallet) {
		return nil, domain.ErrSenderMismatch
	}

	payment := domain.VerifiedPayment{
		IntentID:       intent.ID,
		TxID:           txID,
		Sender:         tx.Sender,
		Recipient:      paid.Recipient,
		Amount:         paid.Amount,
		ExpectedAmount: intent.ExpectedAmount,
		PaidAt:         now,
	}
	detail := fmt.Sprintf("checkpoint %d, received %s", tx.Checkpoint, paid.Amount.String())
	if over := payment.Overpaid(); over.IsPositive() {
		detail += fmt.Sprintf(", overpaid by %s", over.String())
		v.log.Warn("payment exceeds expected amount",
			zap.String("intent_id", intent.ID.String()),
			zap.String("tx_id", txID),
			zap.String("expected", intent.ExpectedAmount.String()),
			zap.String("received", paid.Amount.String()))
	}

	// 5. Bind
	if _, err := v.ledger.MarkPaid(ctx, payment, detail); err != nil {
		if !errors.Is(err, domain.ErrStateConflict) {
			return nil, err
		}
		// Another actor moved the intent first; report what it did.
		current, getErr := v.ledger.GetIntent(ctx, intent.ID)
		if getErr != nil {
			return nil, fmt.Errorf("reload intent: %w", getErr)
		}
		if current.State == domain.StateCreated && current.Expired(now) {
			if _, err := v.ledger.ExpireIntent(ctx, intent.ID, now); err != nil {
				return nil, fmt.Errorf("expire intent: %w", err)
			}
			return nil, domain.ErrIntentExpired
		}
		if current.State == domain.StateCreated {
			return nil, err
		}
		if current.State == domain.StateExpired {
			return nil, domain.ErrIntentExpired
		}
		return recordedPayment(current, txID)
	}

	v.log.Info("payment verified",
		zap.String("intent_id", intent.ID.String()),
		zap.String("tx_id", txID),
		zap.String("amount", paid.Amount.String()))
	return &payment, nil
}

// recordedPayment answers a confirm against an intent that is already paid.
func recordedPayment(intent *domain.PurchaseIntent, txID string) (*domain.VerifiedPayment, error) {
	if intent.PaymentTxID == nil || *intent.PaymentTxID != txID {
		if intent.State == domain.StateFailed {
			return nil, domain.ErrIntentClosed
		}
		return nil, domain.ErrAlreadyPaid
	}
	payment := &domain.VerifiedPayment{
		IntentID:       intent.ID,
		TxID:           txID,
		Sender:         intent.BuyerWallet,
		Recipient:      intent.TreasuryAddress,
		Amount:         intent.ExpectedAmount,
		ExpectedAmount: intent.ExpectedAmount,
	}
	if intent.ReceivedAmount != nil {
		payment.Amount = *intent.ReceivedAmount
	}
	if intent.PaidAt != nil {
		payment.PaidAt = *intent.PaidAt
	}
	return payment, nil
}
