package firestore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/oklog/ulid/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/tidemark-store/api/internal/domain"
	pfirestore "github.com/tidemark-store/api/internal/platform/firestore"
	"github.com/tidemark-store/api/internal/repositories"
)

const (
	ordersCollection        = "orders"
	orderVersionsCollection = "versions"
	orderEventsCollection   = "events"
)

// OrderRepository stores order aggregates with their version and event
// subcollections. Every guarded write lands the order document, the version
// snapshot, and the event entry in one transaction.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[domain.Order]
	newID    func() string
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[domain.Order](provider, ordersCollection, nil, nil)
	return &OrderRepository{
		provider: provider,
		base:     base,
		newID:    func() string { return ulid.Make().String() },
	}, nil
}

// Insert creates the order document together with its initial version
// snapshot and creation event. The ID must be unused.
func (r *OrderRepository) Insert(ctx context.Context, mutation repositories.OrderMutation) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	order := mutation.Order
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}
	if mutation.Version.Version != order.Version {
		return fmt.Errorf("order repository: version snapshot %d does not match order version %d", mutation.Version.Version, order.Version)
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.base.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		if err := tx.Create(orderRef, order); err != nil {
			return err
		}
		return r.appendLogs(tx, orderRef, mutation)
	})
	if err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// Update applies a guarded mutation. The transaction re-reads the stored
// order, rejects any change to the financial snapshot or the immutable line
// fields, and requires the incoming version to directly follow the stored
// one.
func (r *OrderRepository) Update(ctx context.Context, mutation repositories.OrderMutation) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	order := mutation.Order
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}
	if mutation.Version.Version != order.Version {
		return fmt.Errorf("order repository: version snapshot %d does not match order version %d", mutation.Version.Version, order.Version)
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.base.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(orderRef)
		if err != nil {
			return err
		}
		var stored domain.Order
		if err := snap.DataTo(&stored); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}

		if order.Version != stored.Version+1 {
			return repositories.ErrVersionConflict
		}
		if err := checkImmutable(stored, order); err != nil {
			return err
		}

		if err := tx.Set(orderRef, order); err != nil {
			return err
		}
		return r.appendLogs(tx, orderRef, mutation)
	})
	if err != nil {
		if errors.Is(err, repositories.ErrVersionConflict) || errors.Is(err, repositories.ErrFinancialImmutable) {
			return err
		}
		return pfirestore.WrapError("orders.update", err)
	}
	return nil
}

// FindByID fetches a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	order := doc.Data
	order.ID = doc.ID
	return order, nil
}

// FindByNumber resolves an order by its human-facing order number.
func (r *OrderRepository) FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return domain.Order{}, errors.New("order repository: order number is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderNumber", "==", orderNumber).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.WrapError("orders.findByNumber", status.Error(codes.NotFound, "order not found"))
	}
	order := docs[0].Data
	order.ID = docs[0].ID
	return order, nil
}

// List returns orders matching the filter ordered by most recent creation.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	limit := filter.Pagination.PageSize
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	fetchLimit := limit + 1

	var startAfter []any
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		tokenTime, tokenID, err := decodeOrderListToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("order repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	statusFilters := make([]string, 0, len(filter.Status))
	for _, s := range filter.Status {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			statusFilters = append(statusFilters, trimmed)
		}
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if userID := strings.TrimSpace(filter.UserID); userID != "" {
			q = q.Where("userRef", "==", userID)
		}
		if len(statusFilters) == 1 {
			q = q.Where("status", "==", statusFilters[0])
		} else if len(statusFilters) > 1 {
			// Firestore in clause supports up to 10 values.
			if len(statusFilters) > 10 {
				statusFilters = statusFilters[:10]
			}
			q = q.Where("status", "in", statusFilters)
		}
		if filter.DateRange.From != nil {
			q = q.Where("createdAt", ">=", filter.DateRange.From.UTC())
		}
		if filter.DateRange.To != nil {
			q = q.Where("createdAt", "<", filter.DateRange.To.UTC())
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		return q.Limit(fetchLimit)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	nextToken := ""
	if len(docs) == fetchLimit {
		last := docs[len(docs)-1]
		tokenTime := last.Data.CreatedAt
		if tokenTime.IsZero() {
			tokenTime = last.CreateTime
		}
		encoded, err := encodeOrderListToken(tokenTime, last.ID)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		nextToken = encoded
		docs = docs[:len(docs)-1]
	}

	items := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		order := doc.Data
		order.ID = doc.ID
		items = append(items, order)
	}

	return domain.CursorPage[domain.Order]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

// ListVersions returns the append-only snapshot log ordered by version.
func (r *OrderRepository) ListVersions(ctx context.Context, orderID string, pager domain.Pagination) (domain.CursorPage[domain.OrderVersion], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.OrderVersion]{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.CursorPage[domain.OrderVersion]{}, errors.New("order repository: order id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.OrderVersion]{}, pfirestore.WrapError("orders.listVersions", err)
	}

	limit := pager.PageSize
	if limit <= 0 {
		limit = 20
	}
	fetchLimit := limit + 1

	query := client.Collection(ordersCollection).Doc(orderID).Collection(orderVersionsCollection).
		OrderBy("version", firestore.Asc).
		Limit(fetchLimit)
	if token := strings.TrimSpace(pager.PageToken); token != "" {
		after, err := decodeNumericToken(token)
		if err != nil {
			return domain.CursorPage[domain.OrderVersion]{}, fmt.Errorf("order repository: invalid page token: %w", err)
		}
		query = query.StartAfter(after)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var versions []domain.OrderVersion
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.OrderVersion]{}, pfirestore.WrapError("orders.listVersions", err)
		}
		var version domain.OrderVersion
		if err := snap.DataTo(&version); err != nil {
			return domain.CursorPage[domain.OrderVersion]{}, fmt.Errorf("decode order version %s: %w", snap.Ref.ID, err)
		}
		versions = append(versions, version)
	}

	nextToken := ""
	if len(versions) == fetchLimit {
		versions = versions[:limit]
		nextToken = encodeNumericToken(versions[len(versions)-1].Version)
	}

	return domain.CursorPage[domain.OrderVersion]{
		Items:         versions,
		NextPageToken: nextToken,
	}, nil
}

// ListEvents returns the audit event log ordered oldest first.
func (r *OrderRepository) ListEvents(ctx context.Context, orderID string, pager domain.Pagination) (domain.CursorPage[domain.OrderEvent], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.OrderEvent]{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.CursorPage[domain.OrderEvent]{}, errors.New("order repository: order id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.OrderEvent]{}, pfirestore.WrapError("orders.listEvents", err)
	}

	limit := pager.PageSize
	if limit <= 0 {
		limit = 50
	}
	fetchLimit := limit + 1

	query := client.Collection(ordersCollection).Doc(orderID).Collection(orderEventsCollection).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(fetchLimit)
	if token := strings.TrimSpace(pager.PageToken); token != "" {
		query = query.StartAfter(token)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var events []domain.OrderEvent
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.OrderEvent]{}, pfirestore.WrapError("orders.listEvents", err)
		}
		var event domain.OrderEvent
		if err := snap.DataTo(&event); err != nil {
			return domain.CursorPage[domain.OrderEvent]{}, fmt.Errorf("decode order event %s: %w", snap.Ref.ID, err)
		}
		event.ID = snap.Ref.ID
		events = append(events, event)
	}

	nextToken := ""
	if len(events) == fetchLimit {
		events = events[:limit]
		nextToken = events[len(events)-1].ID
	}

	return domain.CursorPage[domain.OrderEvent]{
		Items:         events,
		NextPageToken: nextToken,
	}, nil
}

// Helpers --------------------------------------------------------------------

func (r *OrderRepository) appendLogs(tx *firestore.Transaction, orderRef *firestore.DocumentRef, mutation repositories.OrderMutation) error {
	versionRef := orderRef.Collection(orderVersionsCollection).Doc(fmt.Sprintf("%08d", mutation.Version.Version))
	if err := tx.Create(versionRef, mutation.Version); err != nil {
		return err
	}
	eventRef := orderRef.Collection(orderEventsCollection).Doc(r.newID())
	return tx.Create(eventRef, mutation.Event)
}

// checkImmutable rejects writes that alter fields frozen at placement time.
func checkImmutable(stored, incoming domain.Order) error {
	if !reflect.DeepEqual(stored.Financial, incoming.Financial) {
		return repositories.ErrFinancialImmutable
	}
	if stored.OrderNumber != incoming.OrderNumber || stored.UserID != incoming.UserID {
		return repositories.ErrFinancialImmutable
	}
	if len(stored.Items) != len(incoming.Items) {
		return repositories.ErrFinancialImmutable
	}
	for i := range stored.Items {
		a, b := stored.Items[i], incoming.Items[i]
		// Item status is a projection and may change; every other line field
		// is part of the frozen snapshot.
		a.Status, b.Status = "", ""
		if !reflect.DeepEqual(a, b) {
			return repositories.ErrFinancialImmutable
		}
	}
	return nil
}

type orderListToken struct {
	CreatedAt time.Time `json:"c"`
	ID        string    `json:"i"`
}

func encodeOrderListToken(createdAt time.Time, id string) (string, error) {
	data, err := json.Marshal(orderListToken{CreatedAt: createdAt.UTC(), ID: id})
	if err != nil {
		return "", fmt.Errorf("encode order page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeOrderListToken(encoded string) (time.Time, string, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decode order page token: %w", err)
	}
	var token orderListToken
	if err := json.Unmarshal(data, &token); err != nil {
		return time.Time{}, "", fmt.Errorf("decode order page token json: %w", err)
	}
	return token.CreatedAt, token.ID, nil
}

func encodeNumericToken(value int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%d", value)))
}

func decodeNumericToken(encoded string) (int64, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return 0, err
	}
	var value int64
	if _, err := fmt.Sscanf(string(data), "%d", &value); err != nil {
		return 0, err
	}
	return value, nil
}
