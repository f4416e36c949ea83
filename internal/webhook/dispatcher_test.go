package webhook_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nikolayk812/checkout-gateway/internal/domain"
	"github.com/nikolayk812/checkout-gateway/internal/webhook"
)

type fakeDeliveries struct {
	mu   sync.Mutex
	rows map[uuid.UUID]domain.WebhookDelivery
}

func newFakeDeliveries(rows ...domain.WebhookDelivery) *fakeDeliveries {
	f := &fakeDeliveries{rows: map[uuid.UUID]domain.WebhookDelivery{}}
	for _, row := range rows {
		f.rows[row.ID] = row
	}
	return f
}

func (f *fakeDeliveries) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int32) ([]domain.WebhookDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var due []domain.WebhookDelivery
	for id, row := range f.rows {
		if int32(len(due)) >= limit {
			break
		}
		if row.Status != domain.DeliveryStatusPending || row.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, row)

		row.NextAttemptAt = now.Add(lease)
		f.rows[id] = row
	}
	return due, nil
}

func (f *fakeDeliveries) MarkDelivered(_ context.Context, deliveryID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	row := f.rows[deliveryID]
	row.Status = domain.DeliveryStatusDelivered
	row.Attempts++
	f.rows[deliveryID] = row
	return nil
}

func (f *fakeDeliveries) MarkFailed(_ context.Context, deliveryID uuid.UUID, nextAttemptAt time.Time, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	row := f.rows[deliveryID]
	row.Attempts++
	row.NextAttemptAt = nextAttemptAt
	row.LastError = &lastError
	f.rows[deliveryID] = row
	return nil
}

func (f *fakeDeliveries) MarkDeadLettered(_ context.Context, deliveryID uuid.UUID, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	row := f.rows[deliveryID]
	row.Status = domain.DeliveryStatusDeadLettered
	row.Attempts++
	row.LastError = &lastError
	f.rows[deliveryID] = row
	return nil
}

func (f *fakeDeliveries) ListDeadLetters(_ context.Context) ([]domain.WebhookDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []domain.WebhookDelivery
	for _, row := range f.rows {
		if row.Status == domain.DeliveryStatusDeadLettered {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeDeliveries) rewind(id uuid.UUID, to time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	row := f.rows[id]
	row.NextAttemptAt = to
	f.rows[id] = row
}

func (f *fakeDeliveries) get(id uuid.UUID) domain.WebhookDelivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id]
}

func pendingDelivery(payload string) domain.WebhookDelivery {
	return domain.WebhookDelivery{
		ID:            uuid.New(),
		EventType:     domain.EventOrderCreated,
		OrderID:       uuid.New(),
		SessionID:     uuid.New(),
		Payload:       []byte(payload),
		Status:        domain.DeliveryStatusPending,
		NextAttemptAt: time.Now().Add(-time.Second),
	}
}

func testDispatcher(t *testing.T, deliveries *fakeDeliveries, endpoint string, backoff []time.Duration) *webhook.Dispatcher {
	t.Helper()

	return webhook.NewDispatcher(deliveries, webhook.NewSigner("whsec_test"), webhook.DispatcherConfig{
		Endpoint:       endpoint,
		Backoff:        backoff,
		PollInterval:   10 * time.Millisecond,
		AttemptTimeout: time.Second,
		ClaimBatch:     10,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDispatcherDeliversSignedPayload(t *testing.T) {
	delivery := pendingDelivery(`{"event_type":"order.created"}`)
	deliveries := newFakeDeliveries(delivery)

	signer := webhook.NewSigner("whsec_test")

	var received struct {
		sync.Mutex
		count int
	}
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, delivery.ID.String(), r.Header.Get("X-Event-Id"))
		require.Equal(t, "order.created", r.Header.Get("X-Event-Type"))

		err = signer.Verify(r.Header.Get(webhook.SignatureHeader), r.Header.Get(webhook.TimestampHeader),
			body, time.Now(), time.Minute)
		require.NoError(t, err)

		received.Lock()
		received.count++
		received.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	d := testDispatcher(t, deliveries, receiver.URL, []time.Duration{time.Second})
	require.NoError(t, d.Tick(context.Background()))

	row := deliveries.get(delivery.ID)
	require.Equal(t, domain.DeliveryStatusDelivered, row.Status)
	require.Equal(t, 1, row.Attempts)

	received.Lock()
	defer received.Unlock()
	require.Equal(t, 1, received.count)
}

func TestDispatcherRetriesWithBackoff(t *testing.T) {
	delivery := pendingDelivery(`{}`)
	deliveries := newFakeDeliveries(delivery)

	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer receiver.Close()

	backoff := []time.Duration{time.Minute, time.Hour}
	d := testDispatcher(t, deliveries, receiver.URL, backoff)

	before := time.Now()
	require.NoError(t, d.Tick(context.Background()))

	row := deliveries.get(delivery.ID)
	require.Equal(t, domain.DeliveryStatusPending, row.Status)
	require.Equal(t, 1, row.Attempts)
	require.NotNil(t, row.LastError)
	require.Contains(t, *row.LastError, "status 500")
	// First retry lands a minute out, not an hour.
	require.WithinDuration(t, before.Add(time.Minute), row.NextAttemptAt, 5*time.Second)

	// Rewind the row so the second attempt is due immediately; the next
	// failure must pick the next slot in the table.
	deliveries.rewind(delivery.ID, before.Add(-time.Second))
	require.NoError(t, d.Tick(context.Background()))
	row = deliveries.get(delivery.ID)
	require.Equal(t, 2, row.Attempts)
	require.WithinDuration(t, before.Add(time.Hour), row.NextAttemptAt, 5*time.Second)
}

func TestDispatcherDeadLettersAfterBudget(t *testing.T) {
	delivery := pendingDelivery(`{}`)
	delivery.Attempts = 2 // budget of 2 retries already spent
	deliveries := newFakeDeliveries(delivery)

	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer receiver.Close()

	d := testDispatcher(t, deliveries, receiver.URL, []time.Duration{time.Second, time.Second})
	require.NoError(t, d.Tick(context.Background()))

	row := deliveries.get(delivery.ID)
	require.Equal(t, domain.DeliveryStatusDeadLettered, row.Status)
	require.NotNil(t, row.LastError)

	dead, err := deliveries.ListDeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, delivery.ID, dead[0].ID)
}

func TestDispatcherLeaseBlocksDoubleClaim(t *testing.T) {
	delivery := pendingDelivery(`{}`)
	deliveries := newFakeDeliveries(delivery)

	now := time.Now()
	claimed, err := deliveries.ClaimDue(context.Background(), now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// While the lease is held nothing is due.
	claimed, err = deliveries.ClaimDue(context.Background(), now.Add(time.Second), time.Minute, 10)
	require.NoError(t, err)
	require.Empty(t, claimed)
}
