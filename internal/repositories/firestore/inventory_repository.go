package firestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
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
	inventoryCollection      = "inventory"
	inventoryAuditCollection = "inventoryAudit"
)

// InventoryRepository keeps stock documents and their append-only audit
// ledger in Firestore. All mutations run inside a transaction so the guard
// check and the write are atomic; sellable stock is decremented exactly once,
// at reserve time.
type InventoryRepository struct {
	provider *pfirestore.Provider
	stocks   *pfirestore.BaseRepository[stockDocument]
	newID    func() string
}

func NewInventoryRepository(provider *pfirestore.Provider) (*InventoryRepository, error) {
	if provider == nil {
		return nil, errors.New("inventory repository requires firestore provider")
	}
	stocks := pfirestore.NewBaseRepository[stockDocument](provider, inventoryCollection, nil, nil)
	return &InventoryRepository{
		provider: provider,
		stocks:   stocks,
		newID:    func() string { return ulid.Make().String() },
	}, nil
}

func (r *InventoryRepository) Reserve(ctx context.Context, req repositories.InventoryReserveRequest) (repositories.InventoryReserveResult, error) {
	if r == nil || r.provider == nil {
		return repositories.InventoryReserveResult{}, errors.New("inventory repository not initialised")
	}
	if err := validateInventoryLines("inventory reserve", req.OrderRef, req.Lines); err != nil {
		return repositories.InventoryReserveResult{}, err
	}

	now := req.Now.UTC()
	var result repositories.InventoryReserveResult

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		docs, err := r.readStocks(ctx, tx, req.Lines)
		if err != nil {
			return err
		}

		stocks := make(map[string]domain.InventoryStock, len(req.Lines))
		for _, line := range req.Lines {
			sku := strings.TrimSpace(line.SKU)
			entry := docs[sku]
			if entry.doc.StockQty < line.Quantity {
				return repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock, fmt.Sprintf("insufficient stock for %s", sku), nil)
			}
			entry.doc.StockQty -= line.Quantity
			entry.doc.ReservedQty += line.Quantity
			entry.doc.UpdatedAt = now
			entry.doc.recalculate()
			if err := tx.Set(entry.ref, entry.doc); err != nil {
				return err
			}
			if err := r.appendAudit(ctx, tx, auditEntry{
				sku:      sku,
				orderRef: req.OrderRef,
				op:       domain.InventoryOpReserve,
				qty:      line.Quantity,
				stockQty: entry.doc.StockQty,
				actor:    req.Actor,
				now:      now,
			}); err != nil {
				return err
			}
			stocks[sku] = entry.doc.toDomain(sku)
		}

		result = repositories.InventoryReserveResult{Stocks: stocks}
		return nil
	})
	if err != nil {
		return repositories.InventoryReserveResult{}, wrapInventoryError("inventory.reserve", err)
	}
	return result, nil
}

func (r *InventoryRepository) Commit(ctx context.Context, req repositories.InventoryCommitRequest) (repositories.InventoryCommitResult, error) {
	if r == nil || r.provider == nil {
		return repositories.InventoryCommitResult{}, errors.New("inventory repository not initialised")
	}
	if err := validateInventoryLines("inventory commit", req.OrderRef, req.Lines); err != nil {
		return repositories.InventoryCommitResult{}, err
	}

	now := req.Now.UTC()
	var result repositories.InventoryCommitResult

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		docs, err := r.readStocks(ctx, tx, req.Lines)
		if err != nil {
			return err
		}

		stocks := make(map[string]domain.InventoryStock, len(req.Lines))
		var lowStock []string
		for _, line := range req.Lines {
			sku := strings.TrimSpace(line.SKU)
			entry := docs[sku]
			if entry.doc.ReservedQty < line.Quantity {
				return repositories.NewInventoryError(repositories.InventoryErrorReservedExceeded, fmt.Sprintf("reserved quantity for %s is insufficient", sku), nil)
			}
			// Stock was already decremented at reserve time; commit only
			// settles the reserved bookkeeping.
			entry.doc.ReservedQty -= line.Quantity
			entry.doc.UpdatedAt = now
			entry.doc.recalculate()
			if err := tx.Set(entry.ref, entry.doc); err != nil {
				return err
			}
			if err := r.appendAudit(ctx, tx, auditEntry{
				sku:      sku,
				orderRef: req.OrderRef,
				op:       domain.InventoryOpCommit,
				qty:      line.Quantity,
				stockQty: entry.doc.StockQty,
				actor:    req.Actor,
				now:      now,
			}); err != nil {
				return err
			}
			stocks[sku] = entry.doc.toDomain(sku)
			if entry.doc.LowStockThreshold > 0 && entry.doc.StockQty <= entry.doc.LowStockThreshold {
				lowStock = append(lowStock, sku)
			}
		}
		sort.Strings(lowStock)

		result = repositories.InventoryCommitResult{Stocks: stocks, LowStock: lowStock}
		return nil
	})
	if err != nil {
		return repositories.InventoryCommitResult{}, wrapInventoryError("inventory.commit", err)
	}
	return result, nil
}

func (r *InventoryRepository) Release(ctx context.Context, req repositories.InventoryReleaseRequest) (repositories.InventoryReleaseResult, error) {
	if r == nil || r.provider == nil {
		return repositories.InventoryReleaseResult{}, errors.New("inventory repository not initialised")
	}
	if err := validateInventoryLines("inventory release", req.OrderRef, req.Lines); err != nil {
		return repositories.InventoryReleaseResult{}, err
	}

	now := req.Now.UTC()
	var result repositories.InventoryReleaseResult

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		docs, err := r.readStocks(ctx, tx, req.Lines)
		if err != nil {
			return err
		}

		stocks := make(map[string]domain.InventoryStock, len(req.Lines))
		for _, line := range req.Lines {
			sku := strings.TrimSpace(line.SKU)
			entry := docs[sku]
			if entry.doc.ReservedQty < line.Quantity {
				return repositories.NewInventoryError(repositories.InventoryErrorReservedExceeded, fmt.Sprintf("reserved quantity for %s is insufficient", sku), nil)
			}
			entry.doc.StockQty += line.Quantity
			entry.doc.ReservedQty -= line.Quantity
			entry.doc.UpdatedAt = now
			entry.doc.recalculate()
			if err := tx.Set(entry.ref, entry.doc); err != nil {
				return err
			}
			if err := r.appendAudit(ctx, tx, auditEntry{
				sku:      sku,
				orderRef: req.OrderRef,
				op:       domain.InventoryOpRelease,
				qty:      line.Quantity,
				stockQty: entry.doc.StockQty,
				reason:   req.Reason,
				actor:    req.Actor,
				now:      now,
			}); err != nil {
				return err
			}
			stocks[sku] = entry.doc.toDomain(sku)
		}

		result = repositories.InventoryReleaseResult{Stocks: stocks}
		return nil
	})
	if err != nil {
		return repositories.InventoryReleaseResult{}, wrapInventoryError("inventory.release", err)
	}
	return result, nil
}

func (r *InventoryRepository) GetStock(ctx context.Context, sku string) (domain.InventoryStock, error) {
	if r == nil || r.stocks == nil {
		return domain.InventoryStock{}, errors.New("inventory repository not initialised")
	}
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return domain.InventoryStock{}, errors.New("inventory get stock: sku is required")
	}

	doc, err := r.stocks.Get(ctx, sku)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.InventoryStock{}, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("stock %s not found", sku), err)
		}
		return domain.InventoryStock{}, wrapInventoryError("inventory.getStock", err)
	}

	return doc.Data.toDomain(doc.ID), nil
}

func (r *InventoryRepository) ListLowStock(ctx context.Context, query repositories.InventoryLowStockQuery) (domain.CursorPage[domain.InventoryStock], error) {
	if r == nil || r.stocks == nil {
		return domain.CursorPage[domain.InventoryStock]{}, errors.New("inventory repository not initialised")
	}

	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.InventoryStock]{}, wrapInventoryError("inventory.lowStock", err)
	}

	threshold := query.Threshold
	firestoreQuery := client.Collection(inventoryCollection).Query
	if threshold > 0 {
		firestoreQuery = firestoreQuery.Where("stockQty", "<=", threshold)
	} else {
		firestoreQuery = firestoreQuery.Where("belowThreshold", "==", true)
	}
	firestoreQuery = firestoreQuery.OrderBy("stockQty", firestore.Asc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(query.PageToken); token != "" {
		decoded, err := decodeInventoryPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.InventoryStock]{}, wrapInventoryError("inventory.lowStock", err)
		}
		firestoreQuery = firestoreQuery.StartAfter(decoded.StockQty, decoded.SKU)
	}

	iter := firestoreQuery.Documents(ctx)
	defer iter.Stop()

	var stocks []domain.InventoryStock
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.InventoryStock]{}, wrapInventoryError("inventory.lowStock", err)
		}
		var doc stockDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.InventoryStock]{}, fmt.Errorf("decode inventory stock %s: %w", snap.Ref.ID, err)
		}
		stocks = append(stocks, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(stocks) > pageSize
	if hasMore {
		stocks = stocks[:pageSize]
	}
	var nextToken string
	if hasMore && len(stocks) > 0 {
		last := stocks[len(stocks)-1]
		encoded, err := encodeInventoryPageToken(inventoryPageToken{SKU: last.SKU, StockQty: last.StockQty})
		if err != nil {
			return domain.CursorPage[domain.InventoryStock]{}, wrapInventoryError("inventory.lowStock", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.InventoryStock]{
		Items:         stocks,
		NextPageToken: nextToken,
	}, nil
}

func (r *InventoryRepository) ListAudit(ctx context.Context, orderRef string) ([]domain.InventoryAudit, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("inventory repository not initialised")
	}
	orderRef = strings.TrimSpace(orderRef)
	if orderRef == "" {
		return nil, errors.New("inventory list audit: order ref is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, wrapInventoryError("inventory.listAudit", err)
	}

	iter := client.Collection(inventoryAuditCollection).
		Where("orderRef", "==", orderRef).
		OrderBy("createdAt", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var entries []domain.InventoryAudit
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, wrapInventoryError("inventory.listAudit", err)
		}
		var doc auditDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode inventory audit %s: %w", snap.Ref.ID, err)
		}
		entries = append(entries, doc.toDomain(snap.Ref.ID))
	}
	return entries, nil
}

// Helper structures ---------------------------------------------------------

type stockEntry struct {
	ref *firestore.DocumentRef
	doc stockDocument
}

// readStocks fetches every line's stock document inside the transaction,
// de-duplicating SKUs so a repeated line fails validation instead of racing
// against itself.
func (r *InventoryRepository) readStocks(ctx context.Context, tx *firestore.Transaction, lines []repositories.InventoryLine) (map[string]*stockEntry, error) {
	docs := make(map[string]*stockEntry, len(lines))
	for _, line := range lines {
		sku := strings.TrimSpace(line.SKU)
		if _, ok := docs[sku]; ok {
			return nil, repositories.NewInventoryError(repositories.InventoryErrorUnknown, fmt.Sprintf("duplicate sku %s", sku), nil)
		}
		ref, err := r.stocks.DocumentRef(ctx, sku)
		if err != nil {
			return nil, err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("stock %s not found", sku), err)
			}
			return nil, err
		}
		var doc stockDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode inventory stock %s: %w", sku, err)
		}
		docs[sku] = &stockEntry{ref: ref, doc: doc}
	}
	return docs, nil
}

type auditEntry struct {
	sku      string
	orderRef string
	op       domain.InventoryOp
	qty      int
	stockQty int
	reason   string
	actor    string
	now      time.Time
}

func (r *InventoryRepository) appendAudit(ctx context.Context, tx *firestore.Transaction, entry auditEntry) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	ref := client.Collection(inventoryAuditCollection).Doc(r.newID())
	return tx.Create(ref, auditDocument{
		SKU:       entry.sku,
		OrderRef:  strings.TrimSpace(entry.orderRef),
		Op:        string(entry.op),
		Quantity:  entry.qty,
		StockQty:  entry.stockQty,
		Reason:    strings.TrimSpace(entry.reason),
		Actor:     strings.TrimSpace(entry.actor),
		CreatedAt: entry.now,
	})
}

func validateInventoryLines(op string, orderRef string, lines []repositories.InventoryLine) error {
	if strings.TrimSpace(orderRef) == "" {
		return fmt.Errorf("%s: order ref is required", op)
	}
	if len(lines) == 0 {
		return fmt.Errorf("%s: at least one line is required", op)
	}
	for _, line := range lines {
		if strings.TrimSpace(line.SKU) == "" {
			return repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("%s: sku is required", op), nil)
		}
		if line.Quantity <= 0 {
			return repositories.NewInventoryError(repositories.InventoryErrorUnknown, fmt.Sprintf("%s: quantity for %s must be > 0", op, line.SKU), nil)
		}
	}
	return nil
}

type stockDocument struct {
	ProductRef        string    `firestore:"productRef"`
	StockQty          int       `firestore:"stockQty"`
	ReservedQty       int       `firestore:"reservedQty"`
	LowStockThreshold int       `firestore:"lowStockThreshold"`
	BelowThreshold    bool      `firestore:"belowThreshold"`
	UpdatedAt         time.Time `firestore:"updatedAt"`
}

func (s *stockDocument) recalculate() {
	s.BelowThreshold = s.LowStockThreshold > 0 && s.StockQty <= s.LowStockThreshold
}

func (s stockDocument) toDomain(id string) domain.InventoryStock {
	return domain.InventoryStock{
		SKU:               id,
		ProductRef:        strings.TrimSpace(s.ProductRef),
		StockQty:          s.StockQty,
		ReservedQty:       s.ReservedQty,
		LowStockThreshold: s.LowStockThreshold,
		UpdatedAt:         s.UpdatedAt,
	}
}

type auditDocument struct {
	SKU       string    `firestore:"sku"`
	OrderRef  string    `firestore:"orderRef,omitempty"`
	Op        string    `firestore:"op"`
	Quantity  int       `firestore:"qty"`
	StockQty  int       `firestore:"stockQty"`
	Reason    string    `firestore:"reason,omitempty"`
	Actor     string    `firestore:"actor,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func (d auditDocument) toDomain(id string) domain.InventoryAudit {
	return domain.InventoryAudit{
		ID:        id,
		SKU:       strings.TrimSpace(d.SKU),
		OrderRef:  strings.TrimSpace(d.OrderRef),
		Op:        domain.InventoryOp(d.Op),
		Quantity:  d.Quantity,
		StockQty:  d.StockQty,
		CreatedAt: d.CreatedAt,
	}
}

type inventoryPageToken struct {
	SKU      string
	StockQty int
}

func encodeInventoryPageToken(token inventoryPageToken) (string, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	if err := enc.Encode(token); err != nil {
		return "", fmt.Errorf("encode inventory page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}

func decodeInventoryPageToken(encoded string) (*inventoryPageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode inventory page token: %w", err)
	}
	var token inventoryPageToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode inventory page token json: %w", err)
	}
	return &token, nil
}

func wrapInventoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		if invErr.Op == "" {
			invErr.Op = op
		}
		return invErr
	}
	return pfirestore.WrapError(op, err)
}
