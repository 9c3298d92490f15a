package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	domain "github.com/tidemark-store/api/internal/domain"
	pfirestore "github.com/tidemark-store/api/internal/platform/firestore"
	"github.com/tidemark-store/api/internal/platform/lock"
	"github.com/tidemark-store/api/internal/platform/requestctx"
	"github.com/tidemark-store/api/internal/repositories"
)

const couponLockKeyPrefix = "coupon:"

// CouponServiceDeps bundles the collaborators required to construct a coupon service.
type CouponServiceDeps struct {
	Coupons repositories.CouponRepository
	Locker  lock.Locker
	LockTTL time.Duration
	Clock   func() time.Time
}

type couponService struct {
	repo    repositories.CouponRepository
	locker  lock.Locker
	lockTTL time.Duration
	clock   func() time.Time
}

// NewCouponService wires dependencies into a concrete CouponService implementation.
func NewCouponService(deps CouponServiceDeps) (CouponService, error) {
	if deps.Coupons == nil {
		return nil, errors.New("coupon service: coupon repository is required")
	}
	if deps.Locker == nil {
		return nil, errors.New("coupon service: locker is required")
	}
	if deps.LockTTL <= 0 {
		return nil, errors.New("coupon service: lock TTL must be positive")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &couponService{
		repo:    deps.Coupons,
		locker:  deps.Locker,
		lockTTL: deps.LockTTL,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// AcquireLock takes the global per-coupon mutex. Contention maps to
// ErrCouponBusy so placement can answer 409 without touching storage.
func (s *couponService) AcquireLock(ctx context.Context, code string) (CouponLock, error) {
	code = normaliseCode(code)
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrCouponInvalid)
	}

	handle, err := s.locker.Acquire(ctx, couponLockKeyPrefix+code, s.lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, fmt.Errorf("%w: %s", ErrCouponBusy, code)
		}
		return nil, fmt.Errorf("acquire coupon lock %s: %w", code, err)
	}
	return &couponLock{handle: handle, code: code}, nil
}

type couponLock struct {
	handle lock.Handle
	code   string
}

// Release frees the mutex. A lost or expired lock is logged, never surfaced:
// by the time release runs the critical section is already over.
func (l *couponLock) Release(ctx context.Context) {
	if l == nil || l.handle == nil {
		return
	}
	if err := l.handle.Release(ctx); err != nil && !errors.Is(err, lock.ErrNotHeld) {
		requestctx.Logger(ctx).Warn("coupon lock release failed",
			zap.String("coupon", l.code),
			zap.Error(err),
		)
	}
}

// Resolve validates the coupon for one prospective redemption: existence,
// validity window, minimum subtotal, and both usage limits.
func (s *couponService) Resolve(ctx context.Context, cmd CouponResolveCommand) (Coupon, error) {
	code := normaliseCode(cmd.Code)
	if code == "" {
		return Coupon{}, fmt.Errorf("%w: code is required", ErrCouponInvalid)
	}
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Coupon{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}

	coupon, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		var ferr *pfirestore.Error
		if errors.As(err, &ferr) && ferr.IsNotFound() {
			return Coupon{}, fmt.Errorf("%w: %s", ErrCouponInvalid, code)
		}
		return Coupon{}, err
	}

	now := s.clock()
	if !coupon.ValidAt(now) {
		return Coupon{}, fmt.Errorf("%w: %s is not redeemable at %s", ErrCouponInvalid, code, now.Format(time.RFC3339))
	}
	if coupon.MinSubtotal > 0 && cmd.Subtotal < coupon.MinSubtotal {
		return Coupon{}, fmt.Errorf("%w: subtotal %d below minimum %d", ErrCouponInvalid, cmd.Subtotal, coupon.MinSubtotal)
	}

	if coupon.UsageLimitTotal > 0 {
		total, err := s.repo.CountUsage(ctx, code)
		if err != nil {
			return Coupon{}, err
		}
		if total >= coupon.UsageLimitTotal {
			return Coupon{}, fmt.Errorf("%w: %s total limit reached", ErrCouponLimitExceeded, code)
		}
	}
	if coupon.UsageLimitPerUser > 0 {
		used, err := s.repo.CountUserUsage(ctx, code, userID)
		if err != nil {
			return Coupon{}, err
		}
		if used >= coupon.UsageLimitPerUser {
			return Coupon{}, fmt.Errorf("%w: %s per-user limit reached", ErrCouponLimitExceeded, code)
		}
	}

	return coupon, nil
}

// RecordUsage appends one ledger entry. The coupon's caps are handed to the
// repository so they are re-counted inside the write itself; Resolve's
// pre-check alone cannot stop a redemption racing in between.
func (s *couponService) RecordUsage(ctx context.Context, code string, userID string, orderID string) error {
	coupon, err := s.repo.FindByCode(ctx, normaliseCode(code))
	if err != nil {
		var ferr *pfirestore.Error
		if errors.As(err, &ferr) && ferr.IsNotFound() {
			return fmt.Errorf("%w: %s", ErrCouponInvalid, normaliseCode(code))
		}
		return err
	}

	result, err := s.repo.RecordUsage(ctx, domain.CouponUsage{
		CouponCode: normaliseCode(code),
		UserID:     strings.TrimSpace(userID),
		OrderID:    strings.TrimSpace(orderID),
		CreatedAt:  s.clock(),
	}, repositories.CouponUsageLimits{
		Total:   coupon.UsageLimitTotal,
		PerUser: coupon.UsageLimitPerUser,
	})
	if err != nil {
		if errors.Is(err, repositories.ErrCouponLimitReached) {
			return fmt.Errorf("%w: %s", ErrCouponLimitExceeded, normaliseCode(code))
		}
		return err
	}
	if result.Replayed {
		requestctx.Logger(ctx).Debug("coupon usage replayed",
			zap.String("coupon", normaliseCode(code)),
			zap.String("orderRef", strings.TrimSpace(orderID)),
		)
	}
	return nil
}

func (s *couponService) ReverseUsage(ctx context.Context, code string, userID string, orderID string) error {
	return s.repo.RemoveUsage(ctx, normaliseCode(code), strings.TrimSpace(userID), strings.TrimSpace(orderID))
}

func (s *couponService) ListUsage(ctx context.Context, code string, pager Pagination) (domain.CursorPage[CouponUsage], error) {
	return s.repo.ListUsage(ctx, normaliseCode(code), pager)
}

// SweepExpired deactivates coupons whose validity window closed. Run from
// the background worker on its own ticker.
func (s *couponService) SweepExpired(ctx context.Context) (int, error) {
	swept, err := s.repo.DeactivateExpired(ctx, s.clock())
	if err != nil {
		return swept, err
	}
	if swept > 0 {
		requestctx.Logger(ctx).Info("expired coupons deactivated", zap.Int("count", swept))
	}
	return swept, nil
}

func normaliseCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
