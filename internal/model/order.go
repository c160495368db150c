package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderStatus 订单状态机。支付子系统只负责 PENDING -> PAID / CANCELLED。
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderPaid      OrderStatus = "PAID"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether the payment flow may no longer move the order.
func (s OrderStatus) Terminal() bool {
	return s == OrderPaid || s == OrderCancelled
}

// Order is one checkout attempt. Total is captured from the line items at
// creation and never recomputed from live product prices.
type Order struct {
	ID        string    `gorm:"primarykey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID string          `gorm:"size:36;not null;index" json:"user_id"`
	User   *User           `json:"user,omitempty"`
	Total  decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"total"`
	Status OrderStatus     `gorm:"size:16;not null;default:PENDING;index" json:"status"`

	Items        []OrderItem   `json:"items,omitempty"`
	Transactions []Transaction `json:"transactions,omitempty"`
}

func (Order) TableName() string { return "orders" }

// BeforeCreate 在插入前生成 UUID 主键。
func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	return nil
}

// ShortID is the truncated id shown to humans in notifications and emails.
func (o *Order) ShortID() string {
	if len(o.ID) <= 8 {
		return o.ID
	}
	return o.ID[:8]
}

// PaidTransaction returns the transaction that confirmed the payment, if any.
func (o *Order) PaidTransaction() *Transaction {
	for i := range o.Transactions {
		t := &o.Transactions[i]
		if t.ResultCode != nil && *t.ResultCode == 0 {
			return t
		}
	}
	return nil
}

// OrderItem 下单时刻捕获的单价与数量。
type OrderItem struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	OrderID   string          `gorm:"size:36;not null;index" json:"order_id"`
	ProductID uint            `gorm:"not null;index" json:"product_id"`
	Product   *Product        `json:"product,omitempty"`
	Quantity  int             `gorm:"not null" json:"quantity"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"unit_price"`
}

func (OrderItem) TableName() string { return "order_items" }

// Subtotal is UnitPrice * Quantity.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}
