package queue

import (
	"fmt"
	"time"
)

const EventPaymentConfirmed = "payment.confirmed"

// PaymentEvent 支付结果事件，供下游（履约、对账）消费。
type PaymentEvent struct {
	Type              string    `json:"type"`
	OrderID           string    `json:"order_id"`
	UserID            string    `json:"user_id"`
	CheckoutRequestID string    `json:"checkout_request_id"`
	ReceiptNumber     string    `json:"receipt_number"`
	Amount            string    `json:"amount"` // decimal string, KES
	OccurredAt        time.Time `json:"occurred_at"`
}

// Validate 做最小字段校验，防止转发脏消息。
func (e PaymentEvent) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("type is required")
	}
	if e.OrderID == "" {
		return fmt.Errorf("order_id is required")
	}
	if e.CheckoutRequestID == "" {
		return fmt.Errorf("checkout_request_id is required")
	}
	if e.Amount == "" {
		return fmt.Errorf("amount is required")
	}
	return nil
}
