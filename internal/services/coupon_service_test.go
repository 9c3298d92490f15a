package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/tidemark-store/api/internal/domain"
	pfirestore "github.com/tidemark-store/api/internal/platform/firestore"
	"github.com/tidemark-store/api/internal/platform/lock"
	"github.com/tidemark-store/api/internal/repositories"
)

type stubCouponRepo struct {
	findFn       func(context.Context, string) (domain.Coupon, error)
	recordFn     func(context.Context, domain.CouponUsage, repositories.CouponUsageLimits) (repositories.CouponUsageResult, error)
	removeFn     func(context.Context, string, string, string) error
	countFn      func(context.Context, string) (int, error)
	countUserFn  func(context.Context, string, string) (int, error)
	listFn       func(context.Context, string, domain.Pagination) (domain.CursorPage[domain.CouponUsage], error)
	deactivateFn func(context.Context, time.Time) (int, error)
}

func (s *stubCouponRepo) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	if s.findFn != nil {
		return s.findFn(ctx, code)
	}
	return domain.Coupon{}, errors.New("not implemented")
}

func (s *stubCouponRepo) RecordUsage(ctx context.Context, usage domain.CouponUsage, limits repositories.CouponUsageLimits) (repositories.CouponUsageResult, error) {
	if s.recordFn != nil {
		return s.recordFn(ctx, usage, limits)
	}
	return repositories.CouponUsageResult{}, errors.New("not implemented")
}

func (s *stubCouponRepo) RemoveUsage(ctx context.Context, couponID string, userID string, orderRef string) error {
	if s.removeFn != nil {
		return s.removeFn(ctx, couponID, userID, orderRef)
	}
	return errors.New("not implemented")
}

func (s *stubCouponRepo) CountUsage(ctx context.Context, couponID string) (int, error) {
	if s.countFn != nil {
		return s.countFn(ctx, couponID)
	}
	return 0, nil
}

func (s *stubCouponRepo) CountUserUsage(ctx context.Context, couponID string, userID string) (int, error) {
	if s.countUserFn != nil {
		return s.countUserFn(ctx, couponID, userID)
	}
	return 0, nil
}

func (s *stubCouponRepo) ListUsage(ctx context.Context, couponID string, pager domain.Pagination) (domain.CursorPage[domain.CouponUsage], error) {
	if s.listFn != nil {
		return s.listFn(ctx, couponID, pager)
	}
	return domain.CursorPage[domain.CouponUsage]{}, nil
}

func (s *stubCouponRepo) DeactivateExpired(ctx context.Context, now time.Time) (int, error) {
	if s.deactivateFn != nil {
		return s.deactivateFn(ctx, now)
	}
	return 0, nil
}

func validCoupon(now time.Time) domain.Coupon {
	return domain.Coupon{
		Code:              "SPRING10",
		Type:              domain.CouponTypePercent,
		Value:             10,
		MinSubtotal:       1000,
		UsageLimitTotal:   100,
		UsageLimitPerUser: 1,
		StartsAt:          now.Add(-time.Hour),
		ExpiresAt:         now.Add(time.Hour),
		Active:            true,
	}
}

func newTestCouponService(t *testing.T, repo repositories.CouponRepository, locker lock.Locker, now time.Time) CouponService {
	t.Helper()
	if locker == nil {
		locker = lock.NewMemoryLocker(func() time.Time { return now })
	}
	svc, err := NewCouponService(CouponServiceDeps{
		Coupons: repo,
		Locker:  locker,
		LockTTL: time.Minute,
		Clock:   func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewCouponService: %v", err)
	}
	return svc
}

func TestCouponServiceAcquireLockContention(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	locker := lock.NewMemoryLocker(func() time.Time { return now })

	svc := newTestCouponService(t, &stubCouponRepo{}, locker, now)

	ctx := context.Background()
	held, err := svc.AcquireLock(ctx, "spring10")
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	if _, err := svc.AcquireLock(ctx, "SPRING10"); !errors.Is(err, ErrCouponBusy) {
		t.Fatalf("expected ErrCouponBusy on contended code, got %v", err)
	}

	held.Release(ctx)

	if _, err := svc.AcquireLock(ctx, "SPRING10"); err != nil {
		t.Fatalf("expected lock reacquired after release, got %v", err)
	}
}

func TestCouponServiceResolveValidCoupon(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	repo := &stubCouponRepo{
		findFn: func(ctx context.Context, code string) (domain.Coupon, error) {
			if code != "SPRING10" {
				t.Fatalf("expected normalised code SPRING10, got %s", code)
			}
			return validCoupon(now), nil
		},
	}

	svc := newTestCouponService(t, repo, nil, now)

	coupon, err := svc.Resolve(context.Background(), CouponResolveCommand{
		Code:     " spring10 ",
		UserID:   "user-1",
		Subtotal: 5000,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if coupon.Code != "SPRING10" {
		t.Fatalf("unexpected coupon: %+v", coupon)
	}
}

func TestCouponServiceResolveUnknownCode(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	repo := &stubCouponRepo{
		findFn: func(ctx context.Context, code string) (domain.Coupon, error) {
			return domain.Coupon{}, pfirestore.WrapError("find coupon", status.Error(codes.NotFound, "missing"))
		},
	}

	svc := newTestCouponService(t, repo, nil, now)

	_, err := svc.Resolve(context.Background(), CouponResolveCommand{
		Code:     "GHOST",
		UserID:   "user-1",
		Subtotal: 5000,
	})
	if !errors.Is(err, ErrCouponInvalid) {
		t.Fatalf("expected ErrCouponInvalid, got %v", err)
	}
}

func TestCouponServiceResolveGuards(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

	cases := []struct {
		name    string
		mutate  func(*domain.Coupon)
		repo    func(*stubCouponRepo)
		cmd     CouponResolveCommand
		wantErr error
	}{
		{
			name:    "expired window",
			mutate:  func(c *domain.Coupon) { c.ExpiresAt = now.Add(-time.Minute) },
			cmd:     CouponResolveCommand{Code: "SPRING10", UserID: "user-1", Subtotal: 5000},
			wantErr: ErrCouponInvalid,
		},
		{
			name:    "inactive",
			mutate:  func(c *domain.Coupon) { c.Active = false },
			cmd:     CouponResolveCommand{Code: "SPRING10", UserID: "user-1", Subtotal: 5000},
			wantErr: ErrCouponInvalid,
		},
		{
			name:    "subtotal below minimum",
			cmd:     CouponResolveCommand{Code: "SPRING10", UserID: "user-1", Subtotal: 500},
			wantErr: ErrCouponInvalid,
		},
		{
			name: "total limit reached",
			repo: func(r *stubCouponRepo) {
				r.countFn = func(ctx context.Context, couponID string) (int, error) { return 100, nil }
			},
			cmd:     CouponResolveCommand{Code: "SPRING10", UserID: "user-1", Subtotal: 5000},
			wantErr: ErrCouponLimitExceeded,
		},
		{
			name: "per-user limit reached",
			repo: func(r *stubCouponRepo) {
				r.countUserFn = func(ctx context.Context, couponID string, userID string) (int, error) { return 1, nil }
			},
			cmd:     CouponResolveCommand{Code: "SPRING10", UserID: "user-1", Subtotal: 5000},
			wantErr: ErrCouponLimitExceeded,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			coupon := validCoupon(now)
			if tc.mutate != nil {
				tc.mutate(&coupon)
			}
			repo := &stubCouponRepo{
				findFn: func(ctx context.Context, code string) (domain.Coupon, error) {
					return coupon, nil
				},
			}
			if tc.repo != nil {
				tc.repo(repo)
			}

			svc := newTestCouponService(t, repo, nil, now)

			if _, err := svc.Resolve(context.Background(), tc.cmd); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCouponServiceRecordUsageNormalises(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

	var captured domain.CouponUsage
	var capturedLimits repositories.CouponUsageLimits
	repo := &stubCouponRepo{
		findFn: func(ctx context.Context, code string) (domain.Coupon, error) {
			return validCoupon(now), nil
		},
		recordFn: func(ctx context.Context, usage domain.CouponUsage, limits repositories.CouponUsageLimits) (repositories.CouponUsageResult, error) {
			captured = usage
			capturedLimits = limits
			return repositories.CouponUsageResult{Usage: usage}, nil
		},
	}

	svc := newTestCouponService(t, repo, nil, now)

	if err := svc.RecordUsage(context.Background(), " spring10 ", " user-1 ", " ord-1 "); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if captured.CouponCode != "SPRING10" || captured.UserID != "user-1" || captured.OrderID != "ord-1" {
		t.Fatalf("unexpected usage record: %+v", captured)
	}
	if !captured.CreatedAt.Equal(now) {
		t.Fatalf("expected clock timestamp, got %v", captured.CreatedAt)
	}
	// The coupon's caps ride along so the repository re-counts them inside
	// the write transaction.
	if capturedLimits.Total != 100 || capturedLimits.PerUser != 1 {
		t.Fatalf("unexpected limits handed to the ledger write: %+v", capturedLimits)
	}
}

func TestCouponServiceRecordUsageLimitRaceRejected(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

	// The ledger write itself reports the cap breach: a redemption that
	// slipped in after Resolve's pre-check must still be rejected.
	repo := &stubCouponRepo{
		findFn: func(ctx context.Context, code string) (domain.Coupon, error) {
			return validCoupon(now), nil
		},
		recordFn: func(ctx context.Context, usage domain.CouponUsage, limits repositories.CouponUsageLimits) (repositories.CouponUsageResult, error) {
			return repositories.CouponUsageResult{}, repositories.ErrCouponLimitReached
		},
	}

	svc := newTestCouponService(t, repo, nil, now)

	err := svc.RecordUsage(context.Background(), "SPRING10", "user-1", "ord-1")
	if !errors.Is(err, ErrCouponLimitExceeded) {
		t.Fatalf("expected ErrCouponLimitExceeded, got %v", err)
	}
}

func TestCouponServiceSweepExpired(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

	repo := &stubCouponRepo{
		deactivateFn: func(ctx context.Context, sweepAt time.Time) (int, error) {
			if !sweepAt.Equal(now) {
				t.Fatalf("expected sweep at %v, got %v", now, sweepAt)
			}
			return 4, nil
		},
	}

	svc := newTestCouponService(t, repo, nil, now)

	swept, err := svc.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if swept != 4 {
		t.Fatalf("expected 4 swept, got %d", swept)
	}
}
