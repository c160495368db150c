package payment

import (
	"context"
	"log/slog"
	"time"

	"mpesa_checkout/internal/gateway"
	"mpesa_checkout/internal/model"
	"mpesa_checkout/internal/queue"
	"mpesa_checkout/internal/store"
	"mpesa_checkout/pkg/ctxmanage"
	"mpesa_checkout/pkg/logkey"
)

// Ack is the body returned for every callback delivery. The gateway retries
// anything else, so the answer never depends on what happened inside.
type Ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

var Accepted = Ack{ResultCode: 0, ResultDesc: "Accepted"}

// Outcome is what Handle did with a delivery. It is only logged and tested,
// never sent to the gateway.
type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"   // malformed, nothing written
	OutcomeDuplicate Outcome = "duplicate" // result already recorded
	OutcomeOrphan    Outcome = "orphan"    // no linked order
	OutcomeRecorded  Outcome = "recorded"  // result saved, order was not PENDING
	OutcomePaid      Outcome = "paid"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed" // internal error, gateway will retry
)

// sideEffectTimeout bounds notifications, mail and event publishing.
const sideEffectTimeout = 20 * time.Second

type Ledger interface {
	ResolveTransaction(ctx context.Context, r store.Resolution) (store.Resolved, error)
	OrderDetail(ctx context.Context, orderID string) (*model.Order, error)
	RecordCallback(ctx context.Context, l *model.CallbackLog) error
}

// Locker serialises deliveries of one checkout id across instances.
type Locker interface {
	Lock(ctx context.Context, checkoutRequestID string) (func(), error)
}

type AdminNotifier interface {
	NotifyAdmins(ctx context.Context, order *model.Order) (int, error)
}

type OrderMailer interface {
	SendOrderEmail(ctx context.Context, order *model.Order) (bool, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, ev queue.PaymentEvent) error
}

// Ingestor applies gateway callbacks. Locker and Events are optional.
type Ingestor struct {
	ledger   Ledger
	notifier AdminNotifier
	mailer   OrderMailer

	Locker Locker
	Events EventPublisher
}

func NewIngestor(ledger Ledger, notifier AdminNotifier, mailer OrderMailer) *Ingestor {
	return &Ingestor{ledger: ledger, notifier: notifier, mailer: mailer}
}

// Handle 处理一次回调投递，永不返回错误：
// 1. 格式错误：记录日志后忽略，不写库
// 2. 按 CheckoutRequestID 幂等落库，PENDING 订单转为 PAID / CANCELLED
// 3. 仅在本次投递把订单转为 PAID 时触发副作用（站内通知、邮件、事件），互相隔离
func (in *Ingestor) Handle(ctx context.Context, body []byte) (outcome Outcome) {
	log := slog.With(slog.String(logkey.TraceID, ctxmanage.TraceID(ctx)))
	defer func() {
		if r := recover(); r != nil {
			log.Error("callback handler panic", slog.Any("panic", r))
			outcome = OutcomeFailed
		}
	}()

	cb, err := gateway.ParseCallback(body)
	if err != nil {
		log.Warn("ignoring callback", slog.String(logkey.Error, err.Error()), slog.Int("bytes", len(body)))
		return OutcomeIgnored
	}
	log = log.With(slog.String(logkey.CheckoutRequestID, cb.CheckoutRequestID))

	if in.Locker != nil {
		unlock, err := in.Locker.Lock(ctx, cb.CheckoutRequestID)
		if err != nil {
			// 数据库 CAS 仍然保证只处理一次
			log.Warn("callback lock not acquired", slog.String(logkey.Error, err.Error()))
		} else {
			defer unlock()
		}
	}

	next := model.OrderCancelled
	if cb.ResultCode == 0 {
		next = model.OrderPaid
	}
	md := cb.Metadata()
	res, err := in.ledger.ResolveTransaction(ctx, store.Resolution{
		CheckoutRequestID: cb.CheckoutRequestID,
		MerchantRequestID: cb.MerchantRequestID,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
		ReceiptNumber:     md.ReceiptNumber,
		Amount:            md.Amount,
		PhoneNumber:       md.PhoneNumber,
		TransactionDate:   md.TransactionDate,
		NextStatus:        next,
	})
	if err != nil {
		log.Error("resolve transaction", slog.String(logkey.Error, err.Error()))
		return OutcomeFailed
	}

	switch {
	case res.Duplicate:
		outcome = OutcomeDuplicate
		log.Info("duplicate callback", slog.Int("result_code", cb.ResultCode))
	case res.Orphan:
		outcome = OutcomeOrphan
		log.Warn("callback for unknown order", slog.Int("result_code", cb.ResultCode), slog.Bool("created", res.Created))
	case !res.Transitioned:
		outcome = OutcomeRecorded
		log.Warn("order already settled, result recorded", slog.String(logkey.OrderID, *res.Transaction.OrderID))
	case next == model.OrderPaid:
		outcome = OutcomePaid
	default:
		outcome = OutcomeCancelled
	}
	in.audit(ctx, log, cb, body, outcome)

	if res.Transitioned {
		orderID := *res.Transaction.OrderID
		log.Info("order settled", slog.String(logkey.OrderID, orderID), slog.String("status", string(next)), slog.String("desc", cb.ResultDesc))
		if next == model.OrderPaid {
			in.afterPaid(ctx, log.With(slog.String(logkey.OrderID, orderID)), orderID, res.Transaction)
		}
	}
	return outcome
}

func (in *Ingestor) audit(ctx context.Context, log *slog.Logger, cb *gateway.Callback, body []byte, outcome Outcome) {
	entry := &model.CallbackLog{
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode,
		Outcome:           auditOutcome(outcome),
		Payload:           body,
	}
	if err := in.ledger.RecordCallback(ctx, entry); err != nil {
		log.Warn("callback audit not saved", slog.String(logkey.Error, err.Error()))
	}
}

func auditOutcome(o Outcome) model.CallbackOutcome {
	switch o {
	case OutcomeDuplicate:
		return model.CallbackDuplicate
	case OutcomeOrphan:
		return model.CallbackOrphan
	default:
		return model.CallbackProcessed
	}
}

// afterPaid runs the paid-order side effects. Each one is isolated: a failure
// is logged and the others still run.
func (in *Ingestor) afterPaid(ctx context.Context, log *slog.Logger, orderID string, txn model.Transaction) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()

	order, err := in.ledger.OrderDetail(ctx, orderID)
	if err != nil {
		log.Error("load paid order", slog.String(logkey.Error, err.Error()))
		return
	}

	isolate(log, "notify admins", func() error {
		n, err := in.notifier.NotifyAdmins(ctx, order)
		if err == nil {
			log.Info("admins notified", slog.Int("count", n))
		}
		return err
	})

	isolate(log, "order email", func() error {
		sent, err := in.mailer.SendOrderEmail(ctx, order)
		if err == nil && !sent {
			log.Warn("order email skipped, mail credentials not configured")
		}
		return err
	})

	if in.Events != nil {
		isolate(log, "publish payment event", func() error {
			return in.Events.Publish(ctx, paymentEvent(order, txn))
		})
	}
}

func isolate(log *slog.Logger, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(name+" panic", slog.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		log.Error(name+" failed", slog.String(logkey.Error, err.Error()))
	}
}

func paymentEvent(order *model.Order, txn model.Transaction) queue.PaymentEvent {
	ev := queue.PaymentEvent{
		Type:              queue.EventPaymentConfirmed,
		OrderID:           order.ID,
		UserID:            order.UserID,
		CheckoutRequestID: txn.CheckoutRequestID,
		Amount:            txn.Amount.StringFixed(2),
		OccurredAt:        time.Now().UTC(),
	}
	if txn.ReceiptNumber != nil {
		ev.ReceiptNumber = *txn.ReceiptNumber
	}
	if txn.TransactionDate != nil {
		ev.OccurredAt = txn.TransactionDate.UTC()
	}
	return ev
}
