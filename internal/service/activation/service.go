// Package activation turns payment gateway results into session activations.
//
// A transaction moves pending -> processing -> {completed, failed, cancelled,
// timeout}. Completion and session activation commit together; the router is
// provisioned afterwards and a provisioning failure never undoes the payment.
package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hotspot-billing/hotspot-billing/internal/enforcement"
	"github.com/hotspot-billing/hotspot-billing/internal/logging"
	"github.com/hotspot-billing/hotspot-billing/internal/metrics"
	"github.com/hotspot-billing/hotspot-billing/internal/storage"
	"github.com/hotspot-billing/hotspot-billing/pkg/models"
)

// PaymentStore persists transactions
type PaymentStore interface {
	Create(ctx context.Context, txn *models.Transaction) error
	Get(ctx context.Context, id string) (*models.Transaction, error)
	GetByCheckoutID(ctx context.Context, checkoutID string) (*models.Transaction, error)
	MarkProcessing(ctx context.Context, id, checkoutID, merchantID string, now time.Time) error
	Resolve(ctx context.Context, id string, res storage.Resolution, now time.Time) (bool, error)
	CompleteAndActivate(ctx context.Context, id string, details models.PaymentDetails, resultDesc, payload string, now time.Time) (*storage.Completion, error)
}

// SessionReader looks up sessions
type SessionReader interface {
	Get(ctx context.Context, id string) (*models.Session, error)
}

// PlanReader looks up plans
type PlanReader interface {
	Get(ctx context.Context, id string) (*models.Plan, error)
}

// Provisioner grants router access
type Provisioner interface {
	Provision(ctx context.Context, session *models.Session, plan *models.Plan) enforcement.Result
}

// OutcomeKind classifies what a callback did
type OutcomeKind string

const (
	OutcomeActivated OutcomeKind = "activated"
	OutcomeDuplicate OutcomeKind = "duplicate"
	OutcomeCancelled OutcomeKind = "cancelled"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeTimeout   OutcomeKind = "timeout"
)

// Outcome is the result of handling one gateway notification
type Outcome struct {
	Kind        OutcomeKind
	Transaction *models.Transaction
	Session     *models.Session // set when activated
	Renewed     bool

	// Provisioning is attempted only for OutcomeActivated
	Provisioned        bool
	ProvisionCommandID string
	ProvisionErr       error
}

// Service runs the payment state machine
type Service struct {
	payments    PaymentStore
	sessions    SessionReader
	plans       PlanReader
	provisioner Provisioner
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures the service
type Option func(*Service)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(s *Service) {
		s.now = fn
	}
}

// New creates an activation service
func New(payments PaymentStore, sessions SessionReader, plans PlanReader, provisioner Provisioner, opts ...Option) *Service {
	s := &Service{
		payments:    payments,
		sessions:    sessions,
		plans:       plans,
		provisioner: provisioner,
		logger:      slog.Default(),
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// BeginPayment opens a pending transaction for plan on session, priced at the plan price
func (s *Service) BeginPayment(ctx context.Context, req models.CreatePaymentRequest) (*models.Transaction, error) {
	session, err := s.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", req.SessionID, err)
	}

	plan, err := s.plans.Get(ctx, req.PlanID)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", req.PlanID, err)
	}
	if !plan.Active {
		return nil, &PlanUnavailableError{PlanID: plan.ID, Reason: "plan is not on sale"}
	}
	if err := plan.Validate(); err != nil {
		return nil, &PlanUnavailableError{PlanID: plan.ID, Reason: err.Error()}
	}

	now := s.now()
	txn := &models.Transaction{
		ID:          uuid.New().String(),
		Reference:   models.NewReference(now),
		SessionID:   session.ID,
		PlanID:      plan.ID,
		Amount:      plan.Price,
		Currency:    models.DefaultCurrency,
		PhoneNumber: req.PhoneNumber,
		Status:      models.TxnPending,
		CreatedAt:   now.UTC(),
	}
	if err := s.payments.Create(ctx, txn); err != nil {
		return nil, err
	}

	s.logger.Info("payment started",
		slog.String("transaction_id", txn.ID),
		slog.String("reference", txn.Reference),
		slog.String("session_id", session.ID),
		slog.String("plan_id", plan.ID),
		slog.Float64("amount", txn.Amount))

	return txn, nil
}

// MarkProcessing records that the gateway accepted the push request
func (s *Service) MarkProcessing(ctx context.Context, id string, req models.MarkProcessingRequest) (*models.Transaction, error) {
	ctx = logging.WithTransactionID(ctx, id)

	if err := s.payments.MarkProcessing(ctx, id, req.CheckoutRequestID, req.MerchantRequestID, s.now()); err != nil {
		return nil, err
	}
	s.logger.Debug("payment processing",
		slog.String("transaction_id", id),
		slog.String("checkout_request_id", req.CheckoutRequestID))
	return s.payments.Get(ctx, id)
}

// Get returns a transaction
func (s *Service) Get(ctx context.Context, id string) (*models.Transaction, error) {
	return s.payments.Get(ctx, id)
}

// HandleCallback applies a gateway result. Result code 0 completes the
// transaction and activates the session exactly once; 1032 cancels; any other
// code fails. Repeated deliveries return OutcomeDuplicate with no side effects.
func (s *Service) HandleCallback(ctx context.Context, cb *models.STKCallback, payload string) (*Outcome, error) {
	if cb == nil || cb.CheckoutRequestID == "" || cb.ResultCode == nil {
		metrics.RecordPaymentCallback("malformed")
		return nil, ErrMalformedCallback
	}

	txn, err := s.lookup(ctx, cb.CheckoutRequestID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithTransactionID(ctx, txn.ID)

	if txn.Status.IsTerminal() {
		return s.duplicate(ctx, txn), nil
	}

	code := *cb.ResultCode
	switch code {
	case models.ResultCodeSuccess:
		return s.complete(ctx, txn, cb, payload)
	case models.ResultCodeCancelled:
		return s.resolve(ctx, txn, storage.Resolution{
			Status:     models.TxnCancelled,
			ResultCode: &code,
			ResultDesc: cb.ResultDesc,
			Reason:     "cancelled by customer",
			Payload:    payload,
		}, OutcomeCancelled)
	default:
		return s.resolve(ctx, txn, storage.Resolution{
			Status:     models.TxnFailed,
			ResultCode: &code,
			ResultDesc: cb.ResultDesc,
			Reason:     cb.ResultDesc,
			Payload:    payload,
		}, OutcomeFailed)
	}
}

// HandleTimeout marks a push request that was never answered. No retry is made.
func (s *Service) HandleTimeout(ctx context.Context, checkoutID string) (*Outcome, error) {
	if checkoutID == "" {
		metrics.RecordPaymentCallback("malformed")
		return nil, ErrMalformedCallback
	}

	txn, err := s.lookup(ctx, checkoutID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithTransactionID(ctx, txn.ID)

	if txn.Status.IsTerminal() {
		return s.duplicate(ctx, txn), nil
	}
	return s.resolve(ctx, txn, storage.Resolution{
		Status: models.TxnTimeout,
		Reason: "payment request timed out",
	}, OutcomeTimeout)
}

func (s *Service) lookup(ctx context.Context, checkoutID string) (*models.Transaction, error) {
	txn, err := s.payments.GetByCheckoutID(ctx, checkoutID)
	if errors.Is(err, storage.ErrNotFound) {
		metrics.RecordPaymentCallback("unknown")
		s.logger.Warn("callback for unknown checkout request",
			slog.String("checkout_request_id", checkoutID))
		return nil, fmt.Errorf("%w: checkout %s", ErrTransactionNotFound, checkoutID)
	}
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *Service) complete(ctx context.Context, txn *models.Transaction, cb *models.STKCallback, payload string) (*Outcome, error) {
	details := cb.Details()

	prior, err := s.sessions.Get(ctx, txn.SessionID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", txn.SessionID, err)
	}

	completion, err := s.payments.CompleteAndActivate(ctx, txn.ID, details, cb.ResultDesc, payload, s.now())
	if err != nil {
		metrics.RecordPaymentCallback("error")
		return nil, err
	}
	if !completion.Completed {
		return s.duplicate(ctx, completion.Transaction), nil
	}

	session := completion.Session
	plan := completion.Plan
	ctx = logging.WithSessionID(ctx, session.ID)

	if details.Amount > 0 && details.Amount < txn.Amount {
		s.logger.Warn("payment amount below plan price",
			slog.String("transaction_id", txn.ID),
			slog.Float64("paid", details.Amount),
			slog.Float64("price", txn.Amount))
	}

	path := "payment"
	if completion.Renewed {
		path = "renewal"
	}
	metrics.RecordPaymentCallback("completed")
	metrics.RecordActivation(string(plan.Kind), path, string(prior.Status))
	metrics.RecordRevenue(txn.Currency, txn.Amount)
	logging.Audit(ctx, "session_activated",
		"session_id", session.ID,
		"transaction_id", txn.ID,
		"receipt_number", details.ReceiptNumber,
		"plan_id", plan.ID,
		"renewed", completion.Renewed,
		"expires_at", session.ExpiresAt)

	out := &Outcome{
		Kind:        OutcomeActivated,
		Transaction: completion.Transaction,
		Session:     session,
		Renewed:     completion.Renewed,
	}

	res := s.provisioner.Provision(ctx, session, plan)
	out.ProvisionCommandID = res.CommandID
	out.Provisioned = res.Success
	if !res.Success {
		// the customer paid; the session stays active and support re-provisions
		out.ProvisionErr = res.Err
		s.logger.Error("provisioning failed for paid session",
			slog.String("session_id", session.ID),
			slog.String("transaction_id", txn.ID),
			slog.String("command_id", res.CommandID),
			slog.Any("error", res.Err))
		logging.Audit(ctx, "provision_failed_after_payment",
			"session_id", session.ID,
			"transaction_id", txn.ID,
			"command_id", res.CommandID)
	}

	s.logger.Info("session activated",
		slog.String("session_id", session.ID),
		slog.String("plan_id", plan.ID),
		slog.Bool("renewed", completion.Renewed),
		slog.Bool("provisioned", out.Provisioned))

	return out, nil
}

func (s *Service) resolve(ctx context.Context, txn *models.Transaction, res storage.Resolution, kind OutcomeKind) (*Outcome, error) {
	changed, err := s.payments.Resolve(ctx, txn.ID, res, s.now())
	if err != nil {
		metrics.RecordPaymentCallback("error")
		return nil, err
	}

	updated, err := s.payments.Get(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	if !changed {
		return s.duplicate(ctx, updated), nil
	}

	metrics.RecordPaymentCallback(string(kind))
	s.logger.Info("payment not completed",
		slog.String("transaction_id", txn.ID),
		slog.String("status", string(updated.Status)),
		slog.String("reason", res.Reason))

	return &Outcome{Kind: kind, Transaction: updated}, nil
}

func (s *Service) duplicate(ctx context.Context, txn *models.Transaction) *Outcome {
	metrics.RecordPaymentCallback(string(OutcomeDuplicate))
	s.logger.InfoContext(ctx, "ignoring repeated payment notification",
		slog.String("transaction_id", txn.ID),
		slog.String("status", string(txn.Status)))
	return &Outcome{Kind: OutcomeDuplicate, Transaction: txn}
}
