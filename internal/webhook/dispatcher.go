package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nikolayk812/checkout-gateway/internal/domain"
	"github.com/nikolayk812/checkout-gateway/internal/port"
)

type DispatcherConfig struct {
	// Endpoint is the merchant's receiver URL.
	Endpoint string
	// Backoff holds the retry delays. A delivery that fails once more than
	// there are entries is dead-lettered.
	Backoff        []time.Duration
	PollInterval   time.Duration
	AttemptTimeout time.Duration
	ClaimBatch     int32
}

// Dispatcher drains the webhook outbox: it claims due rows, POSTs each
// signed payload to the receiver and schedules retries per the backoff
// table. Multiple dispatcher instances can run against the same table;
// the claim lease keeps them from double-sending.
type Dispatcher struct {
	deliveries port.DeliveryRepository
	signer     *Signer
	cfg        DispatcherConfig
	client     *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

func NewDispatcher(deliveries port.DeliveryRepository, signer *Signer, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		deliveries: deliveries,
		signer:     signer,
		cfg:        cfg,
		client:     &http.Client{Timeout: cfg.AttemptTimeout},
		logger:     logger,
		now:        time.Now,
	}
}

// Run blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.logger.ErrorContext(ctx, "dispatch tick failed", "error", err)
			}
		}
	}
}

// Tick claims one batch of due deliveries and attempts each.
func (d *Dispatcher) Tick(ctx context.Context) error {
	lease := d.cfg.AttemptTimeout + time.Second

	due, err := d.deliveries.ClaimDue(ctx, d.now(), lease, d.cfg.ClaimBatch)
	if err != nil {
		return fmt.Errorf("deliveries.ClaimDue: %w", err)
	}

	for _, delivery := range due {
		d.attempt(ctx, delivery)
	}

	return nil
}

func (d *Dispatcher) attempt(ctx context.Context, delivery domain.WebhookDelivery) {
	start := d.now()

	err := d.send(ctx, delivery)

	deliveryDuration.Observe(d.now().Sub(start).Seconds())

	if err == nil {
		deliveriesTotal.WithLabelValues(resultDelivered).Inc()
		if err := d.deliveries.MarkDelivered(ctx, delivery.ID); err != nil {
			d.logger.ErrorContext(ctx, "mark delivered failed", "delivery", delivery.ID, "error", err)
		}
		return
	}

	// Attempts counts prior failures; this one pushed it past the table.
	if delivery.Attempts >= len(d.cfg.Backoff) {
		deliveriesTotal.WithLabelValues(resultDeadLettered).Inc()
		d.logger.WarnContext(ctx, "delivery dead-lettered",
			"delivery", delivery.ID, "event_type", delivery.EventType, "error", err)
		if err := d.deliveries.MarkDeadLettered(ctx, delivery.ID, err.Error()); err != nil {
			d.logger.ErrorContext(ctx, "mark dead-lettered failed", "delivery", delivery.ID, "error", err)
		}
		return
	}

	next := d.now().Add(d.cfg.Backoff[delivery.Attempts])
	deliveriesTotal.WithLabelValues(resultRetried).Inc()
	d.logger.InfoContext(ctx, "delivery retry scheduled",
		"delivery", delivery.ID, "attempt", delivery.Attempts+1, "next", next, "error", err)
	if err := d.deliveries.MarkFailed(ctx, delivery.ID, next, err.Error()); err != nil {
		d.logger.ErrorContext(ctx, "mark failed failed", "delivery", delivery.ID, "error", err)
	}
}

func (d *Dispatcher) send(ctx context.Context, delivery domain.WebhookDelivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Endpoint, bytes.NewReader(delivery.Payload))
	if err != nil {
		return fmt.Errorf("http.NewRequestWithContext: %w", err)
	}

	ts := d.now()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, d.signer.Sign(ts, delivery.Payload))
	req.Header.Set(TimestampHeader, Timestamp(ts))
	req.Header.Set("X-Event-Id", delivery.ID.String())
	req.Header.Set("X-Event-Type", string(delivery.EventType))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("client.Do: %w", err)
	}
	defer resp.Body.Close()

	// Drain so the connection is reusable.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("receiver status %d", resp.StatusCode)
	}

	return nil
}
