package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pfirestore "github.com/tidemark-store/api/internal/platform/firestore"
)

const productsCollection = "products"

// PriceResolver reads current unit prices from the product catalog. The
// catalog itself is owned by another system; this resolver only consumes the
// published price fields.
type PriceResolver struct {
	base *pfirestore.BaseRepository[productPriceDocument]
}

type productPriceDocument struct {
	Price     int64            `firestore:"price"`
	SKUPrices map[string]int64 `firestore:"skuPrices,omitempty"`
}

// NewPriceResolver constructs a catalog-backed price resolver.
func NewPriceResolver(provider *pfirestore.Provider) (*PriceResolver, error) {
	if provider == nil {
		return nil, errors.New("price resolver: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[productPriceDocument](provider, productsCollection, nil, nil)
	return &PriceResolver{base: base}, nil
}

// ResolvePrice returns the unit price for a SKU. A SKU-specific price on the
// product document wins over the base price.
func (r *PriceResolver) ResolvePrice(ctx context.Context, productRef string, sku string) (int64, error) {
	productRef = strings.TrimSpace(productRef)
	sku = strings.TrimSpace(sku)
	if productRef == "" {
		return 0, errors.New("price resolver: product ref is required")
	}

	doc, err := r.base.Get(ctx, productRef)
	if err != nil {
		return 0, err
	}

	if sku != "" {
		if price, ok := doc.Data.SKUPrices[sku]; ok {
			return price, nil
		}
	}
	if doc.Data.Price < 0 {
		return 0, fmt.Errorf("price resolver: product %s carries a negative price", productRef)
	}
	return doc.Data.Price, nil
}
