package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Transaction is one gateway push-payment attempt.
// CheckoutRequestID is the idempotency key of the whole callback pipeline:
// at most one row exists per id.
type Transaction struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	MerchantRequestID string `gorm:"size:64;index" json:"merchant_request_id"`
	CheckoutRequestID string `gorm:"size:64;uniqueIndex;not null" json:"checkout_request_id"`

	// ResultCode 为 nil 表示仍在等待网关回调。
	ResultCode *int    `gorm:"index" json:"result_code"`
	ResultDesc *string `gorm:"size:255" json:"result_desc"`

	Amount          decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"amount"`
	PhoneNumber     string          `gorm:"size:16" json:"phone_number"`
	ReceiptNumber   *string         `gorm:"size:32;index" json:"receipt_number"`
	TransactionDate *time.Time      `json:"transaction_date"`

	OrderID *string `gorm:"size:36;index" json:"order_id"`
	Order   *Order  `json:"order,omitempty"`
}

func (Transaction) TableName() string { return "transactions" }

// Resolved reports whether the callback outcome has been written.
func (t *Transaction) Resolved() bool { return t.ResultCode != nil }

type CallbackOutcome string

const (
	CallbackProcessed CallbackOutcome = "processed"
	CallbackDuplicate CallbackOutcome = "duplicate"
	CallbackOrphan    CallbackOutcome = "orphan"
)

// CallbackLog 记录每次格式正确的网关回调原文，便于对账与排查。
type CallbackLog struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	CheckoutRequestID string          `gorm:"size:64;not null;index" json:"checkout_request_id"`
	ResultCode        int             `json:"result_code"`
	Outcome           CallbackOutcome `gorm:"size:16;not null" json:"outcome"`
	Payload           datatypes.JSON  `json:"payload"`
}

func (CallbackLog) TableName() string { return "callback_logs" }
