package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/tidemark-store/api/internal/domain"
	pfirestore "github.com/tidemark-store/api/internal/platform/firestore"
	"github.com/tidemark-store/api/internal/repositories"
)

const (
	couponsCollection     = "coupons"
	couponUsageCollection = "couponUsage"
)

// CouponRepository stores coupon definitions keyed by code and the usage
// ledger keyed by (coupon, user, order). The deterministic ledger key makes
// RecordUsage naturally idempotent: a replay hits the existing document
// instead of growing the counts.
type CouponRepository struct {
	provider *pfirestore.Provider
	coupons  *pfirestore.BaseRepository[domain.Coupon]
}

// NewCouponRepository constructs a Firestore-backed coupon repository.
func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository: firestore provider is required")
	}
	coupons := pfirestore.NewBaseRepository[domain.Coupon](provider, couponsCollection, nil, nil)
	return &CouponRepository{provider: provider, coupons: coupons}, nil
}

// FindByCode fetches a coupon definition by its normalised code.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	if r == nil || r.coupons == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	code = normaliseCouponCode(code)
	if code == "" {
		return domain.Coupon{}, errors.New("coupon repository: code is required")
	}
	doc, err := r.coupons.Get(ctx, code)
	if err != nil {
		return domain.Coupon{}, err
	}
	coupon := doc.Data
	coupon.Code = doc.ID
	return coupon, nil
}

// RecordUsage writes one usage ledger entry. Replaying the same
// (coupon, user, order) triple succeeds and reports Replayed. The caps in
// limits are re-counted against the ledger inside the same transaction, so a
// concurrent redemption cannot slip past a stale pre-check.
func (r *CouponRepository) RecordUsage(ctx context.Context, usage domain.CouponUsage, limits repositories.CouponUsageLimits) (repositories.CouponUsageResult, error) {
	if r == nil || r.provider == nil {
		return repositories.CouponUsageResult{}, errors.New("coupon repository not initialised")
	}
	code := normaliseCouponCode(usage.CouponCode)
	userID := strings.TrimSpace(usage.UserID)
	orderID := strings.TrimSpace(usage.OrderID)
	if code == "" || userID == "" || orderID == "" {
		return repositories.CouponUsageResult{}, errors.New("coupon repository: coupon code, user id, and order id are required")
	}
	usage.CouponCode = code
	usage.UserID = userID
	usage.OrderID = orderID
	usage.CreatedAt = usage.CreatedAt.UTC()

	client, err := r.provider.Client(ctx)
	if err != nil {
		return repositories.CouponUsageResult{}, pfirestore.WrapError("coupons.recordUsage", err)
	}

	ref := client.Collection(couponUsageCollection).Doc(usageKey(code, userID, orderID))
	replayed := false
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err == nil && snap.Exists() {
			var stored domain.CouponUsage
			if err := snap.DataTo(&stored); err != nil {
				return fmt.Errorf("decode coupon usage %s: %w", ref.ID, err)
			}
			usage = stored
			replayed = true
			return nil
		}
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if limits.Total > 0 {
			total, err := countUsageInTx(tx, client, code, "")
			if err != nil {
				return err
			}
			if total >= limits.Total {
				return repositories.ErrCouponLimitReached
			}
		}
		if limits.PerUser > 0 {
			used, err := countUsageInTx(tx, client, code, userID)
			if err != nil {
				return err
			}
			if used >= limits.PerUser {
				return repositories.ErrCouponLimitReached
			}
		}
		return tx.Create(ref, usage)
	})
	if err != nil {
		if errors.Is(err, repositories.ErrCouponLimitReached) {
			return repositories.CouponUsageResult{}, err
		}
		return repositories.CouponUsageResult{}, pfirestore.WrapError("coupons.recordUsage", err)
	}

	return repositories.CouponUsageResult{Usage: usage, Replayed: replayed}, nil
}

// countUsageInTx runs a keys-only ledger count through the open transaction.
func countUsageInTx(tx *firestore.Transaction, client *firestore.Client, code string, userID string) (int, error) {
	query := client.Collection(couponUsageCollection).Where("couponCode", "==", code)
	if userID != "" {
		query = query.Where("userRef", "==", userID)
	}

	iter := tx.Documents(query.Select())
	defer iter.Stop()

	count := 0
	for {
		_, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return 0, err
		}
		count++
	}
	return count, nil
}

// RemoveUsage deletes a ledger entry during saga compensation. Removing an
// absent entry is a no-op.
func (r *CouponRepository) RemoveUsage(ctx context.Context, couponCode string, userID string, orderRef string) error {
	if r == nil || r.provider == nil {
		return errors.New("coupon repository not initialised")
	}
	code := normaliseCouponCode(couponCode)
	userID = strings.TrimSpace(userID)
	orderRef = strings.TrimSpace(orderRef)
	if code == "" || userID == "" || orderRef == "" {
		return errors.New("coupon repository: coupon code, user id, and order ref are required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return pfirestore.WrapError("coupons.removeUsage", err)
	}
	ref := client.Collection(couponUsageCollection).Doc(usageKey(code, userID, orderRef))
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return tx.Delete(ref)
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return pfirestore.WrapError("coupons.removeUsage", err)
	}
	return nil
}

// CountUsage returns the total number of ledger entries for the coupon.
func (r *CouponRepository) CountUsage(ctx context.Context, couponCode string) (int, error) {
	return r.countUsage(ctx, couponCode, "")
}

// CountUserUsage returns the number of ledger entries one user holds.
func (r *CouponRepository) CountUserUsage(ctx context.Context, couponCode string, userID string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, errors.New("coupon repository: user id is required")
	}
	return r.countUsage(ctx, couponCode, userID)
}

func (r *CouponRepository) countUsage(ctx context.Context, couponCode string, userID string) (int, error) {
	if r == nil || r.provider == nil {
		return 0, errors.New("coupon repository not initialised")
	}
	code := normaliseCouponCode(couponCode)
	if code == "" {
		return 0, errors.New("coupon repository: code is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return 0, pfirestore.WrapError("coupons.countUsage", err)
	}

	query := client.Collection(couponUsageCollection).Where("couponCode", "==", code)
	if userID != "" {
		query = query.Where("userRef", "==", userID)
	}

	// Keys-only scan. Coupon campaigns cap out at a few thousand
	// redemptions, so counting document refs is cheap enough.
	iter := query.Select().Documents(ctx)
	defer iter.Stop()

	count := 0
	for {
		_, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return 0, pfirestore.WrapError("coupons.countUsage", err)
		}
		count++
	}
	return count, nil
}

// ListUsage returns ledger entries for a coupon ordered oldest first.
func (r *CouponRepository) ListUsage(ctx context.Context, couponCode string, pager domain.Pagination) (domain.CursorPage[domain.CouponUsage], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.CouponUsage]{}, errors.New("coupon repository not initialised")
	}
	code := normaliseCouponCode(couponCode)
	if code == "" {
		return domain.CursorPage[domain.CouponUsage]{}, errors.New("coupon repository: code is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.CouponUsage]{}, pfirestore.WrapError("coupons.listUsage", err)
	}

	limit := pager.PageSize
	if limit <= 0 {
		limit = 50
	}
	fetchLimit := limit + 1

	query := client.Collection(couponUsageCollection).
		Where("couponCode", "==", code).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(fetchLimit)
	if token := strings.TrimSpace(pager.PageToken); token != "" {
		query = query.StartAfter(token)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var entries []domain.CouponUsage
	var lastID string
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.CouponUsage]{}, pfirestore.WrapError("coupons.listUsage", err)
		}
		var usage domain.CouponUsage
		if err := snap.DataTo(&usage); err != nil {
			return domain.CursorPage[domain.CouponUsage]{}, fmt.Errorf("decode coupon usage %s: %w", snap.Ref.ID, err)
		}
		entries = append(entries, usage)
		lastID = snap.Ref.ID
	}

	nextToken := ""
	if len(entries) == fetchLimit {
		entries = entries[:limit]
		nextToken = lastID
	}

	return domain.CursorPage[domain.CouponUsage]{
		Items:         entries,
		NextPageToken: nextToken,
	}, nil
}

// DeactivateExpired flips the active flag off for every coupon whose expiry
// has passed. Returns the number of coupons swept.
func (r *CouponRepository) DeactivateExpired(ctx context.Context, now time.Time) (int, error) {
	if r == nil || r.provider == nil {
		return 0, errors.New("coupon repository not initialised")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return 0, pfirestore.WrapError("coupons.deactivateExpired", err)
	}

	iter := client.Collection(couponsCollection).
		Where("active", "==", true).
		Where("expiresAt", "<=", now.UTC()).
		Documents(ctx)
	defer iter.Stop()

	swept := 0
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return swept, pfirestore.WrapError("coupons.deactivateExpired", err)
		}
		if _, err := snap.Ref.Update(ctx, []firestore.Update{{Path: "active", Value: false}}); err != nil {
			return swept, pfirestore.WrapError("coupons.deactivateExpired", err)
		}
		swept++
	}
	return swept, nil
}

func normaliseCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// usageKey derives the deterministic ledger document ID for one redemption.
func usageKey(code, userID, orderRef string) string {
	sum := sha256.Sum256([]byte(code + "|" + userID + "|" + orderRef))
	return hex.EncodeToString(sum[:16])
}

var _ repositories.CouponRepository = (*CouponRepository)(nil)
