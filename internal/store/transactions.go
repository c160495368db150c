package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mpesa_checkout/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateTransaction inserts the pending row written after the gateway accepted
// a push request.
func (s *Store) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(t).Error; err != nil {
		return fmt.Errorf("create transaction %s: %w", t.CheckoutRequestID, err)
	}
	return nil
}

// TransactionByCheckoutID returns the transaction with its order.
func (s *Store) TransactionByCheckoutID(ctx context.Context, checkoutID string) (*model.Transaction, error) {
	var t model.Transaction
	err := s.db.WithContext(ctx).
		Preload("Order").
		Where("checkout_request_id = ?", checkoutID).
		First(&t).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// Resolution is the outcome of one gateway callback.
type Resolution struct {
	CheckoutRequestID string
	MerchantRequestID string
	ResultCode        int
	ResultDesc        string

	ReceiptNumber   *string
	Amount          *decimal.Decimal
	PhoneNumber     *string
	TransactionDate *time.Time

	// NextStatus is applied to a linked PENDING order.
	NextStatus model.OrderStatus
}

// Resolved reports what ResolveTransaction did.
type Resolved struct {
	Transaction model.Transaction
	// Duplicate: the result was already recorded, nothing was written.
	Duplicate bool
	// Created: no pending row existed, the transaction was inserted.
	Created bool
	// Orphan: the transaction has no linked order.
	Orphan bool
	// Transitioned: the linked order moved from PENDING to NextStatus.
	Transitioned bool
}

// ResolveTransaction records a callback result exactly once per checkout id
// and moves the linked order out of PENDING, in one transaction.
//
// Rows whose result code is already set are left alone. When a concurrent
// delivery inserts the same checkout id first, the unique index rejects our
// insert and the whole unit is retried as an update.
func (s *Store) ResolveTransaction(ctx context.Context, r Resolution) (Resolved, error) {
	var out Resolved
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		out = Resolved{}
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return resolve(tx, r, &out)
		})
		if err == nil {
			return out, nil
		}
		if !isUniqueViolation(err) {
			break
		}
	}
	return Resolved{}, fmt.Errorf("resolve transaction %s: %w", r.CheckoutRequestID, err)
}

func resolve(tx *gorm.DB, r Resolution, out *Resolved) error {
	var t model.Transaction
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("checkout_request_id = ?", r.CheckoutRequestID).
		First(&t).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		t = model.Transaction{
			CheckoutRequestID: r.CheckoutRequestID,
			MerchantRequestID: r.MerchantRequestID,
		}
		applyResult(&t, r)
		if err := tx.Omit(clause.Associations).Create(&t).Error; err != nil {
			return err
		}
		out.Created = true
	case err != nil:
		return err
	case t.Resolved():
		out.Duplicate = true
		out.Transaction = t
		return nil
	default:
		applyResult(&t, r)
		res := tx.Model(&model.Transaction{}).
			Where("id = ? AND result_code IS NULL", t.ID).
			Updates(resultColumns(t))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			out.Duplicate = true
			out.Transaction = t
			return nil
		}
	}
	out.Transaction = t

	if t.OrderID == nil {
		out.Orphan = true
		return nil
	}
	if r.NextStatus == "" {
		return nil
	}
	res := tx.Model(&model.Order{}).
		Where("id = ? AND status = ?", *t.OrderID, model.OrderPending).
		Update("status", r.NextStatus)
	if res.Error != nil {
		return res.Error
	}
	out.Transitioned = res.RowsAffected > 0
	return nil
}

// applyResult copies the callback fields onto t. Metadata that did not arrive
// keeps the value captured at initiation.
func applyResult(t *model.Transaction, r Resolution) {
	code, desc := r.ResultCode, r.ResultDesc
	t.ResultCode = &code
	t.ResultDesc = &desc
	if t.MerchantRequestID == "" {
		t.MerchantRequestID = r.MerchantRequestID
	}
	if r.ReceiptNumber != nil {
		t.ReceiptNumber = r.ReceiptNumber
	}
	if r.Amount != nil {
		t.Amount = *r.Amount
	}
	if r.PhoneNumber != nil {
		t.PhoneNumber = *r.PhoneNumber
	}
	if r.TransactionDate != nil {
		t.TransactionDate = r.TransactionDate
	}
}

func resultColumns(t model.Transaction) map[string]any {
	return map[string]any{
		"result_code":         t.ResultCode,
		"result_desc":         t.ResultDesc,
		"merchant_request_id": t.MerchantRequestID,
		"receipt_number":      t.ReceiptNumber,
		"amount":              t.Amount,
		"phone_number":        t.PhoneNumber,
		"transaction_date":    t.TransactionDate,
	}
}

// RecordCallback appends a callback audit row.
func (s *Store) RecordCallback(ctx context.Context, l *model.CallbackLog) error {
	if err := s.db.WithContext(ctx).Create(l).Error; err != nil {
		return fmt.Errorf("record callback %s: %w", l.CheckoutRequestID, err)
	}
	return nil
}
