package queue

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// Outbox appends payment events to a Redis stream; the Relay forwards them to
// Kafka and ACKs only after the broker accepted them.
type Outbox struct {
	rdb    *rd.Client
	stream string
}

func NewOutbox(rdb *rd.Client, stream string) *Outbox {
	return &Outbox{rdb: rdb, stream: stream}
}

// Publish 原子入流。
func (o *Outbox) Publish(ctx context.Context, ev PaymentEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return o.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: o.stream,
		Values: map[string]interface{}{
			"type":                ev.Type,
			"order_id":            ev.OrderID,
			"user_id":             ev.UserID,
			"checkout_request_id": ev.CheckoutRequestID,
			"receipt_number":      ev.ReceiptNumber,
			"amount":              ev.Amount,
			"occurred_at":         ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
}
