package checkout

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically expires overdue sessions so their reservations
// return to sellable stock even when nobody touches the session again.
type Sweeper struct {
	service  *Service
	interval time.Duration
	batch    int32
	logger   *slog.Logger
}

func NewSweeper(service *Service, interval time.Duration, batch int32, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:  service,
		interval: interval,
		batch:    batch,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := s.service.SweepExpired(ctx, s.batch)
			if err != nil {
				s.logger.ErrorContext(ctx, "sweep failed", "error", err)
				continue
			}
			if expired > 0 {
				s.logger.InfoContext(ctx, "expired sessions", "count", expired)
			}
		}
	}
}
