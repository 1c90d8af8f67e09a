package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/tokengate/internal/auth"
	"github.com/inaiurai/tokengate/internal/ledger"
	"github.com/inaiurai/tokengate/internal/models"
)

// SpendState is where a request is in the charge/work/compensate cycle.
type SpendState string

const (
	StateIdle      SpendState = "idle"
	StateCharging  SpendState = "charging"
	StateWorking   SpendState = "working"
	StateCommitted SpendState = "committed"
	StateRefunding SpendState = "refunding"
	StateRefunded  SpendState = "refunded"
	StateRejected  SpendState = "rejected"
)

// Refund reasons recorded on the refund transaction and the attempt.
const (
	ReasonTimeout         = "timeout"
	ReasonDownstreamError = "downstream_error"
	ReasonPanic           = "panic"
	ReasonCancelled       = "cancelled"
	ReasonReconciliation  = "reconciliation"
)

var (
	// ErrInsufficientFunds is the ledger's error, re-exported for handlers.
	ErrInsufficientFunds = ledger.ErrInsufficientFunds
	// ErrDownstreamTimeout means the work missed its deadline. The charge was refunded.
	ErrDownstreamTimeout = errors.New("downstream timeout")
	// ErrDownstreamError means the work failed. The charge was refunded.
	ErrDownstreamError = errors.New("downstream error")
	// ErrInProgress means another request with the same key has not finished.
	ErrInProgress = errors.New("spend in progress")
	// ErrRefundFailed is joined to the downstream error when compensation could
	// not be written. The attempt stays pending for the reconciler.
	ErrRefundFailed = errors.New("refund not recorded")
)

// WorkFunc performs the paid work for an operation.
type WorkFunc func(ctx context.Context, operation string, input json.RawMessage) (json.RawMessage, error)

// IdentityVerifier turns an Authorization header into a verified identity.
type IdentityVerifier interface {
	Verify(ctx context.Context, header, requestID string) (auth.Identity, error)
}

// RoleResolver decides the role a subject's account is created with.
type RoleResolver interface {
	Role(subject string) string
}

// SpendLedger is the part of the ledger the executor needs.
type SpendLedger interface {
	EnsureAccount(ctx context.Context, subject, role string) (*models.Account, error)
	Debit(ctx context.Context, accountID uuid.UUID, cost int64, key, operation string) (ledger.DebitResult, error)
	Settle(ctx context.Context, accountID uuid.UUID, key string, result []byte) error
	Refund(ctx context.Context, accountID uuid.UUID, key, reason string) (int64, error)
}

// SpendMetrics receives executor outcomes. A nil SpendMetrics is ignored.
type SpendMetrics interface {
	ObserveSpend(outcome string)
	ObserveRefundFailure()
	ObserveCommitFailure()
}

type SpendRequest struct {
	Authorization  string
	RequestID      string
	IdempotencyKey string
	Operation      string
	Input          json.RawMessage
}

// SpendResult is returned alongside any error so callers can always tell
// whether they were charged.
type SpendResult struct {
	State      SpendState
	RequestID  string
	AccountID  uuid.UUID
	Subject    string
	NewBalance int64
	Result     json.RawMessage
	Replayed   bool
}

// SpendExecutor runs verify, charge, work, then commit or refund for one request.
type SpendExecutor struct {
	Verifier IdentityVerifier
	Roles    RoleResolver
	Ledger   SpendLedger
	Catalog  *Catalog
	Work     WorkFunc
	Logger   *slog.Logger
	Metrics  SpendMetrics

	RefundAttempts int
	RefundTimeout  time.Duration
	RefundBackoff  time.Duration
}

func NewSpendExecutor(v IdentityVerifier, roles RoleResolver, l SpendLedger, catalog *Catalog, work WorkFunc, logger *slog.Logger) *SpendExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SpendExecutor{
		Verifier:       v,
		Roles:          roles,
		Ledger:         l,
		Catalog:        catalog,
		Work:           work,
		Logger:         logger,
		RefundAttempts: 3,
		RefundTimeout:  10 * time.Second,
		RefundBackoff:  200 * time.Millisecond,
	}
}

// Execute handles one paid request. The error is nil only for Committed
// results, including replays of a committed key.
func (e *SpendExecutor) Execute(ctx context.Context, req SpendRequest) (SpendResult, error) {
	res := SpendResult{State: StateIdle, RequestID: req.RequestID}
	log := e.Logger.With("request_id", req.RequestID, "operation", req.Operation)

	id, err := e.Verifier.Verify(ctx, req.Authorization, req.RequestID)
	if err != nil {
		return e.reject(log, res, "unauthenticated", err)
	}
	res.Subject = id.Subject

	if err := ledger.ValidateIdempotencyKey(req.IdempotencyKey); err != nil {
		return e.reject(log, res, "bad_key", err)
	}
	op, err := e.Catalog.Lookup(req.Operation)
	if err != nil {
		return e.reject(log, res, "bad_request", err)
	}
	if err := op.Validate(req.Input); err != nil {
		return e.reject(log, res, "bad_request", err)
	}

	role := models.RoleUser
	if e.Roles != nil {
		role = e.Roles.Role(id.Subject)
	}
	acc, err := e.Ledger.EnsureAccount(ctx, id.Subject, role)
	if err != nil {
		return res, fmt.Errorf("ensure account: %w", err)
	}
	res.AccountID = acc.ID
	log = log.With("account_id", acc.ID)

	res.State = StateCharging
	log.Info("spend state", "state", res.State, "cost", op.Cost)
	debit, err := e.Charge(ctx, acc.ID, op, req.IdempotencyKey)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return e.reject(log, res, "insufficient_funds", err)
		}
		e.observe("error")
		return res, fmt.Errorf("charge: %w", err)
	}
	res.NewBalance = debit.NewBalance
	if debit.Replayed {
		return e.replay(log, res, debit.Attempt)
	}

	res.State = StateWorking
	log.Info("spend state", "state", res.State, "balance", res.NewBalance)
	out, reason := e.perform(ctx, log, op, req.Input)
	if reason == "" {
		return e.commit(ctx, log, res, out, req.IdempotencyKey, op.Cost)
	}
	return e.compensate(ctx, log, res, req.IdempotencyKey, reason)
}

// Charge debits the operation's cost once per key.
func (e *SpendExecutor) Charge(ctx context.Context, accountID uuid.UUID, op *Operation, key string) (ledger.DebitResult, error) {
	return e.Ledger.Debit(ctx, accountID, op.Cost, key, op.Name)
}

// Commit records the work result against the charge. It is not cancelled by ctx.
func (e *SpendExecutor) Commit(ctx context.Context, accountID uuid.UUID, key string, result json.RawMessage) error {
	return e.retry(ctx, func(ctx context.Context) error {
		return e.Ledger.Settle(ctx, accountID, key, result)
	}, ledger.ErrAlreadyRefunded, ledger.ErrSpendNotFound)
}

// Refund credits the charge for key back. It runs detached from ctx's
// cancellation and retries until RefundAttempts is exhausted.
func (e *SpendExecutor) Refund(ctx context.Context, accountID uuid.UUID, key, reason string) (int64, error) {
	var balance int64
	err := e.retry(ctx, func(ctx context.Context) error {
		b, err := e.Ledger.Refund(ctx, accountID, key, reason)
		balance = b
		return err
	}, ledger.ErrAlreadyCommitted, ledger.ErrSpendNotFound)
	return balance, err
}

// retry runs fn on a context detached from ctx. Errors in permanent stop the loop.
func (e *SpendExecutor) retry(ctx context.Context, fn func(context.Context) error, permanent ...error) error {
	attempts := max(e.RefundAttempts, 1)
	timeout := e.RefundTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := context.WithoutCancel(ctx)

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(e.RefundBackoff << (i - 1))
		}
		attemptCtx, cancel := context.WithTimeout(base, timeout)
		err = fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		for _, p := range permanent {
			if errors.Is(err, p) {
				return err
			}
		}
		e.Logger.Warn("ledger write failed, retrying", "attempt", i+1, "error", err)
	}
	return err
}

// perform runs the work under the operation deadline. A non-empty reason
// means the work did not succeed.
func (e *SpendExecutor) perform(ctx context.Context, log *slog.Logger, op *Operation, input json.RawMessage) (json.RawMessage, string) {
	workCtx, cancel := context.WithTimeout(ctx, op.Deadline)
	defer cancel()

	type outcome struct {
		out json.RawMessage
		err error
		pan any
	}
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if p := recover(); p != nil {
				o.pan = p
			}
			done <- o
		}()
		o.out, o.err = e.Work(workCtx, op.Name, input)
	}()

	select {
	case o := <-done:
		switch {
		case o.pan != nil:
			log.Error("paid work panicked", "panic", fmt.Sprint(o.pan))
			return nil, ReasonPanic
		case o.err != nil && errors.Is(ctx.Err(), context.Canceled):
			return nil, ReasonCancelled
		case o.err != nil && errors.Is(o.err, context.DeadlineExceeded):
			return nil, ReasonTimeout
		case o.err != nil:
			log.Warn("paid work failed", "error", o.err)
			return nil, ReasonDownstreamError
		}
		return o.out, ""
	case <-workCtx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ReasonCancelled
		}
		log.Warn("paid work exceeded deadline", "deadline", op.Deadline.String())
		return nil, ReasonTimeout
	}
}

func (e *SpendExecutor) commit(ctx context.Context, log *slog.Logger, res SpendResult, out json.RawMessage, key string, cost int64) (SpendResult, error) {
	if err := e.Commit(ctx, res.AccountID, key, out); err != nil {
		if errors.Is(err, ledger.ErrAlreadyRefunded) {
			// The reconciler refunded the charge while the work was running.
			res.State = StateRefunded
			res.NewBalance += cost
			log.Warn("spend state", "state", res.State, "reason", ReasonReconciliation)
			e.observe("refunded")
			return res, ErrDownstreamTimeout
		}
		// The caller gets the result, but the charge stays pending and the
		// reconciler will refund it.
		log.Error("commit not recorded, charge left pending for reconciliation",
			"critical", true, "idempotency_key", key, "error", err)
		if e.Metrics != nil {
			e.Metrics.ObserveCommitFailure()
		}
	}
	res.State = StateCommitted
	res.Result = out
	log.Info("spend state", "state", res.State)
	e.observe("committed")
	return res, nil
}

func (e *SpendExecutor) compensate(ctx context.Context, log *slog.Logger, res SpendResult, key, reason string) (SpendResult, error) {
	res.State = StateRefunding
	log.Warn("spend state", "state", res.State, "reason", reason)
	downstream := errorForReason(reason)

	balance, err := e.Refund(ctx, res.AccountID, key, reason)
	if err != nil {
		log.Error("refund failed, charge left pending for reconciliation",
			"critical", true, "idempotency_key", key, "reason", reason, "error", err)
		if e.Metrics != nil {
			e.Metrics.ObserveRefundFailure()
		}
		e.observe("refund_failed")
		return res, errors.Join(downstream, ErrRefundFailed, err)
	}
	res.State = StateRefunded
	res.NewBalance = balance
	log.Info("spend state", "state", res.State, "balance", balance)
	e.observe("refunded")
	return res, downstream
}

func (e *SpendExecutor) replay(log *slog.Logger, res SpendResult, a models.SpendAttempt) (SpendResult, error) {
	res.Replayed = true
	log = log.With("replayed", true)
	switch a.Status {
	case models.SpendStatusCommitted:
		res.State = StateCommitted
		res.Result = a.Result
		log.Info("spend state", "state", res.State)
		e.observe("replayed")
		return res, nil
	case models.SpendStatusRefunded:
		res.State = StateRefunded
		log.Info("spend state", "state", res.State)
		e.observe("replayed")
		return res, errorForReason(a.FailureReason)
	default:
		res.State = StateWorking
		e.observe("in_progress")
		return res, ErrInProgress
	}
}

func (e *SpendExecutor) reject(log *slog.Logger, res SpendResult, outcome string, err error) (SpendResult, error) {
	res.State = StateRejected
	log.Info("spend state", "state", res.State, "error", err)
	e.observe(outcome)
	return res, err
}

func (e *SpendExecutor) observe(outcome string) {
	if e.Metrics != nil {
		e.Metrics.ObserveSpend(outcome)
	}
}

func errorForReason(reason string) error {
	if reason == ReasonTimeout {
		return ErrDownstreamTimeout
	}
	return ErrDownstreamError
}
