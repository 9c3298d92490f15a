package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/tidemark-store/api/internal/domain"
	pfirestore "github.com/tidemark-store/api/internal/platform/firestore"
	"github.com/tidemark-store/api/internal/repositories"
)

const cartCollection = "carts"

// CartRepository persists one cart per user, keyed by the user ID. Cart
// items are embedded in the document; carts are small and always read whole.
type CartRepository struct {
	base *pfirestore.BaseRepository[domain.Cart]
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[domain.Cart](provider, cartCollection, nil, nil)
	return &CartRepository{base: base}, nil
}

// UpsertCart writes the full cart state for the owning user.
func (r *CartRepository) UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}

	userID := strings.TrimSpace(cart.UserID)
	if userID == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	cart.UserID = userID
	cart.ID = userID
	cart.Currency = strings.ToUpper(strings.TrimSpace(cart.Currency))
	cart.CouponCode = strings.ToUpper(strings.TrimSpace(cart.CouponCode))
	if cart.UpdatedAt.IsZero() {
		cart.UpdatedAt = time.Now()
	}
	cart.UpdatedAt = cart.UpdatedAt.UTC()

	if _, err := r.base.Set(ctx, userID, cart); err != nil {
		return domain.Cart{}, err
	}
	return cart, nil
}

// GetCart loads the cart for the given user.
func (r *CartRepository) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	doc, err := r.base.Get(ctx, uid)
	if err != nil {
		return domain.Cart{}, err
	}

	cart := doc.Data
	cart.ID = doc.ID
	if cart.UserID == "" {
		cart.UserID = doc.ID
	}
	if cart.Items == nil {
		cart.Items = []domain.CartItem{}
	}
	return cart, nil
}

// ClearCart empties the cart after a successful order placement. The header
// document stays so currency and address preferences survive the checkout.
func (r *CartRepository) ClearCart(ctx context.Context, userID string, now time.Time) error {
	if r == nil || r.base == nil {
		return errors.New("cart repository not initialised")
	}

	cart, err := r.GetCart(ctx, userID)
	if err != nil {
		var ferr *pfirestore.Error
		if errors.As(err, &ferr) && ferr.IsNotFound() {
			return nil
		}
		return err
	}

	cart.Items = []domain.CartItem{}
	cart.CouponCode = ""
	cart.UpdatedAt = now.UTC()
	_, err = r.base.Set(ctx, cart.UserID, cart)
	return err
}

var _ repositories.CartRepository = (*CartRepository)(nil)
