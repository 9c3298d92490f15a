package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/tidemark-store/api/internal/domain"
	pfirestore "github.com/tidemark-store/api/internal/platform/firestore"
	"github.com/tidemark-store/api/internal/repositories"
)

const addressCollectionPattern = "users/%s/addresses"

// AddressRepository persists shipping addresses per user. Addresses live in
// a subcollection under the owning user, so ownership checks reduce to a
// lookup under the right path.
type AddressRepository struct {
	provider *pfirestore.Provider
}

// NewAddressRepository constructs a Firestore-backed address repository.
func NewAddressRepository(provider *pfirestore.Provider) (*AddressRepository, error) {
	if provider == nil {
		return nil, errors.New("address repository: firestore provider is required")
	}
	return &AddressRepository{provider: provider}, nil
}

// Get fetches a single address owned by the user.
func (r *AddressRepository) Get(ctx context.Context, userID string, addressID string) (domain.Address, error) {
	coll, err := r.collection(ctx, userID)
	if err != nil {
		return domain.Address{}, err
	}
	id := strings.TrimSpace(addressID)
	if id == "" {
		return domain.Address{}, errors.New("address repository: address id is required")
	}

	snap, err := coll.Doc(id).Get(ctx)
	if err != nil {
		return domain.Address{}, pfirestore.WrapError("addresses.get", err)
	}
	return decodeAddress(snap, userID)
}

// List returns all addresses for the user.
func (r *AddressRepository) List(ctx context.Context, userID string) ([]domain.Address, error) {
	coll, err := r.collection(ctx, userID)
	if err != nil {
		return nil, err
	}

	iter := coll.OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var results []domain.Address
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("addresses.list", err)
		}
		addr, err := decodeAddress(snap, userID)
		if err != nil {
			return nil, err
		}
		results = append(results, addr)
	}
	return results, nil
}

// Upsert creates the address when addressID is nil, otherwise overwrites the
// referenced document.
func (r *AddressRepository) Upsert(ctx context.Context, userID string, addressID *string, addr domain.Address) (domain.Address, error) {
	coll, err := r.collection(ctx, userID)
	if err != nil {
		return domain.Address{}, err
	}

	var ref *firestore.DocumentRef
	if addressID != nil && strings.TrimSpace(*addressID) != "" {
		ref = coll.Doc(strings.TrimSpace(*addressID))
	} else {
		ref = coll.NewDoc()
	}

	addr.ID = ref.ID
	addr.UserID = strings.TrimSpace(userID)
	if _, err := ref.Set(ctx, addr); err != nil {
		return domain.Address{}, pfirestore.WrapError("addresses.upsert", err)
	}
	return addr, nil
}

func (r *AddressRepository) collection(ctx context.Context, userID string) (*firestore.CollectionRef, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("address repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, errors.New("address repository: user id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(fmt.Sprintf(addressCollectionPattern, uid)), nil
}

func decodeAddress(snap *firestore.DocumentSnapshot, userID string) (domain.Address, error) {
	var addr domain.Address
	if err := snap.DataTo(&addr); err != nil {
		return domain.Address{}, fmt.Errorf("decode address %s: %w", snap.Ref.ID, err)
	}
	addr.ID = snap.Ref.ID
	if addr.UserID == "" {
		addr.UserID = strings.TrimSpace(userID)
	}
	return addr, nil
}

var _ repositories.AddressRepository = (*AddressRepository)(nil)
