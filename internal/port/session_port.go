package port

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nikolayk812/checkout-gateway/internal/domain"
)

// OperationKey identifies a mutation for idempotent replay. A zero Key
// disables replay tracking; the fingerprint hashes the request body so a
// reused key with a different payload is rejected instead of replayed.
type OperationKey struct {
	Key         string
	Fingerprint string
}

// SessionRepository persists checkout sessions and owns the transactional
// boundaries of the state machine. Per-session serialization happens here,
// via row locks and the revision counter, not in the service.
type SessionRepository interface {
	// InsertSession stores the session together with its idempotency
	// record in one transaction. When the idempotency key was already
	// used, the original session is returned and created is false;
	// a fingerprint mismatch fails with domain.ValidationError.
	InsertSession(ctx context.Context, session domain.CheckoutSession, fingerprint string) (result domain.CheckoutSession, created bool, err error)

	GetSession(ctx context.Context, sessionID uuid.UUID) (domain.CheckoutSession, error)

	// UpdateSession replaces items, address and totals under an optimistic
	// concurrency check: expectedRevision must match the stored revision
	// or the call fails with domain.ErrRevisionConflict. A non-zero key is
	// recorded in the same transaction as the update; a replayed key
	// returns the stored session without applying anything.
	UpdateSession(ctx context.Context, session domain.CheckoutSession, expectedRevision int64, key OperationKey) (domain.CheckoutSession, error)

	// SetPaymentState flags a pending session, e.g. verifying while a PSP
	// outcome is ambiguous.
	SetPaymentState(ctx context.Context, sessionID uuid.UUID, state domain.PaymentState, paymentRef *string) error

	// TransitionSession moves a pending session to cancelled or expired
	// under a row lock, releasing its stock reservations in the same
	// transaction. Illegal moves fail with domain.SessionClosedError,
	// except when the key replays the transition that closed the session,
	// in which case the closed session is returned as the prior result.
	TransitionSession(ctx context.Context, sessionID uuid.UUID, target domain.SessionStatus, key OperationKey) (domain.CheckoutSession, error)

	// CompleteSession commits the completion triple atomically: session to
	// completed, order inserted, order.created outbox row written, and the
	// reserved stock consumed. A crash can therefore never leave a capture
	// without an order nor an order without a capture record. Replayed on
	// an already-completed session it returns the original order.
	CompleteSession(ctx context.Context, sessionID uuid.UUID, order domain.Order, delivery domain.WebhookDelivery) (domain.Order, error)

	// ExpireDue transitions every pending session whose TTL elapsed,
	// skipping sessions whose payment state still needs reconciliation.
	// Returns the IDs it expired.
	ExpireDue(ctx context.Context, now time.Time, limit int32) ([]uuid.UUID, error)

	// VerifyingDue lists overdue pending sessions stuck in the verifying
	// payment state. These need a PSP status query before they may expire.
	VerifyingDue(ctx context.Context, now time.Time, limit int32) ([]uuid.UUID, error)
}
