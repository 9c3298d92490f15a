package firestore

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/tidemark-store/api/internal/domain"
	pfirestore "github.com/tidemark-store/api/internal/platform/firestore"
	"github.com/tidemark-store/api/internal/repositories"
)

const paymentsCollection = "payments"

// PaymentRepository stores gateway payment records. Records are keyed by the
// internal payment ID; the provider intent ID is an indexed field so webhook
// deliveries can resolve the record they belong to.
type PaymentRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[domain.PaymentRecord]
}

// NewPaymentRepository constructs a Firestore-backed payment repository.
func NewPaymentRepository(provider *pfirestore.Provider) (*PaymentRepository, error) {
	if provider == nil {
		return nil, errors.New("payment repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[domain.PaymentRecord](provider, paymentsCollection, nil, nil)
	return &PaymentRepository{provider: provider, base: base}, nil
}

// Insert creates a new payment record. Inserting an existing ID fails. The
// write goes through the transaction wrapper so placement's saga can land it
// together with the order and stock writes.
func (r *PaymentRepository) Insert(ctx context.Context, payment domain.PaymentRecord) error {
	if err := validatePayment(payment); err != nil {
		return err
	}
	ref, err := r.base.DocumentRef(ctx, payment.ID)
	if err != nil {
		return err
	}
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return tx.Create(ref, payment)
	})
	if err != nil {
		return pfirestore.WrapError("payments.insert", err)
	}
	return nil
}

// Update overwrites the stored record with the given state.
func (r *PaymentRepository) Update(ctx context.Context, payment domain.PaymentRecord) error {
	if err := validatePayment(payment); err != nil {
		return err
	}
	payment.UpdatedAt = payment.UpdatedAt.UTC()
	ref, err := r.base.DocumentRef(ctx, payment.ID)
	if err != nil {
		return err
	}
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return tx.Set(ref, payment)
	})
	if err != nil {
		return pfirestore.WrapError("payments.update", err)
	}
	return nil
}

// FindByID fetches a payment record by its internal ID.
func (r *PaymentRepository) FindByID(ctx context.Context, paymentID string) (domain.PaymentRecord, error) {
	doc, err := r.base.Get(ctx, paymentID)
	if err != nil {
		return domain.PaymentRecord{}, err
	}
	record := doc.Data
	record.ID = doc.ID
	return record, nil
}

// FindByIntentID resolves the record carrying the given provider intent
// reference. Webhook deliveries for intents this system never created return
// ErrPaymentNotFound so callers can acknowledge and drop them.
func (r *PaymentRepository) FindByIntentID(ctx context.Context, intentID string) (domain.PaymentRecord, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return domain.PaymentRecord{}, errors.New("payment repository: intent id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("intentId", "==", intentID).Limit(1)
	})
	if err != nil {
		return domain.PaymentRecord{}, err
	}
	if len(docs) == 0 {
		return domain.PaymentRecord{}, repositories.ErrPaymentNotFound
	}
	record := docs[0].Data
	record.ID = docs[0].ID
	return record, nil
}

// ListByOrder returns all payment records attached to an order, oldest first.
func (r *PaymentRepository) ListByOrder(ctx context.Context, orderRef string) ([]domain.PaymentRecord, error) {
	orderRef = strings.TrimSpace(orderRef)
	if orderRef == "" {
		return nil, errors.New("payment repository: order ref is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderRef", "==", orderRef).OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}

	records := make([]domain.PaymentRecord, 0, len(docs))
	for _, doc := range docs {
		record := doc.Data
		record.ID = doc.ID
		records = append(records, record)
	}
	return records, nil
}

func validatePayment(payment domain.PaymentRecord) error {
	if strings.TrimSpace(payment.ID) == "" {
		return errors.New("payment repository: payment id is required")
	}
	if strings.TrimSpace(payment.OrderID) == "" {
		return errors.New("payment repository: order id is required")
	}
	if strings.TrimSpace(payment.IntentID) == "" {
		return errors.New("payment repository: intent id is required")
	}
	if payment.CreatedAt.IsZero() {
		return errors.New("payment repository: created timestamp is required")
	}
	return nil
}
