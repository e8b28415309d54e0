package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hotspot-billing/hotspot-billing/pkg/models"
)

// PaymentStore handles payment transactions
type PaymentStore struct {
	db *DB
}

// NewPaymentStore creates a new payment store
func NewPaymentStore(db *DB) *PaymentStore {
	return &PaymentStore{db: db}
}

const transactionColumns = `
	id, reference, session_id, plan_id, amount, currency, phone_number,
	checkout_request_id, merchant_request_id, status,
	result_code, result_desc, receipt_number, failure_reason, callback_payload,
	created_at, updated_at, completed_at
`

func scanTransaction(sc scanner) (*models.Transaction, error) {
	txn := &models.Transaction{}
	var checkoutID, merchantID, resultDesc, receipt, reason, payload sql.NullString
	var resultCode sql.NullInt64
	var completedAt sql.NullTime

	err := sc.Scan(
		&txn.ID, &txn.Reference, &txn.SessionID, &txn.PlanID, &txn.Amount, &txn.Currency, &txn.PhoneNumber,
		&checkoutID, &merchantID, &txn.Status,
		&resultCode, &resultDesc, &receipt, &reason, &payload,
		&txn.CreatedAt, &txn.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	txn.CheckoutRequestID = checkoutID.String
	txn.MerchantRequestID = merchantID.String
	txn.ResultDesc = resultDesc.String
	txn.ReceiptNumber = receipt.String
	txn.FailureReason = reason.String
	txn.CallbackPayload = payload.String
	if resultCode.Valid {
		code := int(resultCode.Int64)
		txn.ResultCode = &code
	}
	if completedAt.Valid {
		txn.CompletedAt = completedAt.Time
	}
	return txn, nil
}

// Create inserts a new pending transaction
func (s *PaymentStore) Create(ctx context.Context, txn *models.Transaction) error {
	if txn.Status == "" {
		txn.Status = models.TxnPending
	}
	if txn.Currency == "" {
		txn.Currency = models.DefaultCurrency
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	txn.UpdatedAt = txn.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_transactions (`+transactionColumns+`) VALUES (
			?, ?, ?, ?, ?, ?, ?,
			?, ?, ?,
			NULL, NULL, NULL, NULL, NULL,
			?, ?, NULL
		)
	`, txn.ID, txn.Reference, txn.SessionID, txn.PlanID, txn.Amount, txn.Currency, txn.PhoneNumber,
		nullString(txn.CheckoutRequestID), nullString(txn.MerchantRequestID), txn.Status,
		txn.CreatedAt.UTC(), txn.UpdatedAt.UTC())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// Get retrieves a transaction by ID
func (s *PaymentStore) Get(ctx context.Context, id string) (*models.Transaction, error) {
	return getTransaction(ctx, s.db, `id = ?`, id)
}

// GetByCheckoutID retrieves a transaction by the gateway's checkout request ID
func (s *PaymentStore) GetByCheckoutID(ctx context.Context, checkoutID string) (*models.Transaction, error) {
	return getTransaction(ctx, s.db, `checkout_request_id = ?`, checkoutID)
}

func getTransaction(ctx context.Context, ex execer, where string, arg any) (*models.Transaction, error) {
	row := ex.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM payment_transactions WHERE `+where, arg)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return txn, nil
}

// MarkProcessing records the gateway's acceptance of the push request
func (s *PaymentStore) MarkProcessing(ctx context.Context, id, checkoutID, merchantID string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payment_transactions SET
			status = 'processing',
			checkout_request_id = ?,
			merchant_request_id = ?,
			updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, checkoutID, nullString(merchantID), now.UTC(), id)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to mark transaction processing: %w", err)
	}
	return s.checkTransition(ctx, result, id, models.TxnProcessing)
}

// Resolution describes a non-successful outcome for a transaction
type Resolution struct {
	Status     models.TransactionStatus // failed, cancelled or timeout
	ResultCode *int
	ResultDesc string
	Reason     string
	Payload    string
}

// Resolve moves a pending or processing transaction to a failed, cancelled or
// timeout state. It reports whether this call made the change.
func (s *PaymentStore) Resolve(ctx context.Context, id string, res Resolution, now time.Time) (bool, error) {
	switch res.Status {
	case models.TxnFailed, models.TxnCancelled, models.TxnTimeout:
	default:
		return false, fmt.Errorf("resolve cannot set status %q", res.Status)
	}

	var code sql.NullInt64
	if res.ResultCode != nil {
		code = sql.NullInt64{Int64: int64(*res.ResultCode), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE payment_transactions SET
			status = ?,
			result_code = ?,
			result_desc = ?,
			failure_reason = ?,
			callback_payload = COALESCE(?, callback_payload),
			updated_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')
	`, res.Status, code, nullString(res.ResultDesc), nullString(res.Reason), nullString(res.Payload), now.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to resolve transaction: %w", err)
	}
	rows, err := affected(result)
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// Completion is the outcome of CompleteAndActivate
type Completion struct {
	Completed   bool // false when another caller already completed the transaction
	Renewed     bool // true when the session was already active
	Transaction *models.Transaction
	Session     *models.Session
	Plan        *models.Plan
}

// CompleteAndActivate marks a transaction completed and activates its session
// in one SQL transaction. Only the first caller observes Completed=true.
func (s *PaymentStore) CompleteAndActivate(ctx context.Context, id string, details models.PaymentDetails, resultDesc, payload string, now time.Time) (*Completion, error) {
	now = now.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE payment_transactions SET
			status = 'completed',
			result_code = 0,
			result_desc = ?,
			receipt_number = ?,
			callback_payload = ?,
			completed_at = ?,
			updated_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')
	`, nullString(resultDesc), nullString(details.ReceiptNumber), nullString(payload), now, now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to complete transaction: %w", err)
	}
	rows, err := affected(result)
	if err != nil {
		return nil, err
	}

	txn, err := getTransaction(ctx, tx, `id = ?`, id)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return &Completion{Completed: false, Transaction: txn}, nil
	}

	plan, err := getPlan(ctx, tx, txn.PlanID)
	if err != nil {
		return nil, fmt.Errorf("plan %s for transaction %s: %w", txn.PlanID, id, err)
	}
	current, err := getSession(ctx, tx, txn.SessionID)
	if err != nil {
		return nil, fmt.Errorf("session %s for transaction %s: %w", txn.SessionID, id, err)
	}

	renewed := current.Status == models.StatusActive
	var session *models.Session
	if renewed {
		session, err = activateSession(ctx, tx, current.ID, plan, now, models.StatusActive)
	} else {
		session, err = activateSession(ctx, tx, current.ID, plan, now, models.StatusPending, models.StatusExpired, models.StatusDisabled)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit completion: %w", err)
	}

	return &Completion{
		Completed:   true,
		Renewed:     renewed,
		Transaction: txn,
		Session:     session,
		Plan:        plan,
	}, nil
}

func (s *PaymentStore) checkTransition(ctx context.Context, result sql.Result, id string, target models.TransactionStatus) error {
	rows, err := affected(result)
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return &TransitionError{Entity: "transaction", ID: id, Status: string(current.Status), Target: string(target)}
}
