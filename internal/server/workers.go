package server

import (
	"context"
	"time"
)

// StartWorkers launches the background loops. They stop when ctx is
// cancelled.
func (s *Server) StartWorkers(ctx context.Context, sweepInterval time.Duration) {
	go s.reservationSweeper(ctx, sweepInterval)
}

// reservationSweeper releases reservations whose TTL elapsed without a
// finalize or abort, returning their space to the pool.
func (s *Server) reservationSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ledger.ReleaseExpired(ctx, time.Now())
			if err != nil {
				s.log.WithError(err).Error("reservation sweep failed")
				continue
			}
			if n > 0 {
				s.log.WithField("released", n).Info("swept expired reservations")
			}
		}
	}
}
