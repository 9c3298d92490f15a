package workers

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/tidemark-store/api/internal/services"
)

const defaultSweepInterval = time.Hour

// CouponSweeper periodically deactivates expired coupons so reads stop
// consulting their validity windows one by one.
type CouponSweeper struct {
	coupons  services.CouponService
	logger   *zap.Logger
	interval time.Duration
}

// NewCouponSweeper constructs the sweeper; interval defaults to one hour.
func NewCouponSweeper(coupons services.CouponService, interval time.Duration, logger *zap.Logger) (*CouponSweeper, error) {
	if coupons == nil {
		return nil, errors.New("coupon sweeper: coupon service is required")
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CouponSweeper{
		coupons:  coupons,
		logger:   logger,
		interval: interval,
	}, nil
}

// Run sweeps on a ticker until the context is cancelled.
func (s *CouponSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep; failures are logged and retried next tick.
func (s *CouponSweeper) RunOnce(ctx context.Context) {
	deactivated, err := s.coupons.SweepExpired(ctx)
	if err != nil {
		s.logger.Error("coupon sweep failed", zap.Error(err))
		return
	}
	if deactivated > 0 {
		s.logger.Info("coupon sweep deactivated coupons", zap.Int("count", deactivated))
	}
}
