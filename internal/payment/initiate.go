package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mpesa_checkout/internal/gateway"
	"mpesa_checkout/internal/model"
	"mpesa_checkout/pkg/ctxmanage"
	"mpesa_checkout/pkg/logkey"

	"github.com/shopspring/decimal"
)

var (
	ErrEmptyCart          = errors.New("cart is empty")
	ErrAmountMismatch     = errors.New("amount does not match cart total")
	ErrProductUnavailable = errors.New("product no longer available")
)

// amountTolerance absorbs client-side rounding; it is flat, not relative.
var amountTolerance = decimal.NewFromInt(1)

// OrderStore is what the checkout flow needs from persistence.
type OrderStore interface {
	CheckoutCart(ctx context.Context, userID string, build func(cart *model.Cart) (*model.Order, error)) (*model.Order, error)
	TransitionOrder(ctx context.Context, orderID string, from, to model.OrderStatus) (bool, error)
	CreateTransaction(ctx context.Context, t *model.Transaction) error
}

// PushGateway sends the STK prompt.
type PushGateway interface {
	STKPush(ctx context.Context, req gateway.STKPushRequest) (*gateway.STKPushResponse, error)
}

// Initiation is returned to the checkout caller.
type Initiation struct {
	MerchantRequestID string `json:"merchant_request_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
	OrderID           string `json:"order_id"`
	CustomerMessage   string `json:"customer_message,omitempty"`
}

// Orchestrator turns a cart into an order and a pending gateway payment.
type Orchestrator struct {
	orders OrderStore
	gw     PushGateway
}

func NewOrchestrator(orders OrderStore, gw PushGateway) *Orchestrator {
	return &Orchestrator{orders: orders, gw: gw}
}

// InitiatePayment 下单并发起 STK push：
// 1. 校验手机号（任何写入之前）
// 2. 同一事务内：读购物车、按服务端价格计算总额、与客户端金额核对、建单、清空购物车
// 3. 调用网关；失败则订单置为 CANCELLED
// 4. 成功则写入待回调的 Transaction
func (o *Orchestrator) InitiatePayment(ctx context.Context, userID string, expectedAmount decimal.Decimal, rawPhone string) (*Initiation, error) {
	log := slog.With(slog.String(logkey.TraceID, ctxmanage.TraceID(ctx)), slog.String(logkey.UserID, userID))

	phone, err := gateway.NormalizePhone(rawPhone)
	if err != nil {
		return nil, err
	}

	order, err := o.orders.CheckoutCart(ctx, userID, func(cart *model.Cart) (*model.Order, error) {
		return buildOrder(cart, expectedAmount)
	})
	if err != nil {
		return nil, err
	}
	log = log.With(slog.String(logkey.OrderID, order.ID))
	log.Info("order created", slog.String("total", order.Total.String()), slog.Int("items", len(order.Items)))

	resp, err := o.gw.STKPush(ctx, gateway.STKPushRequest{
		Amount:           order.Total.Ceil().IntPart(),
		PhoneNumber:      phone,
		AccountReference: order.ID,
		Description:      "Payment for order " + order.ShortID(),
	})
	if err != nil {
		log.Error("stk push failed", slog.String(logkey.Error, err.Error()))
		o.cancel(ctx, log, order.ID)
		return nil, err
	}

	ts := resp.Timestamp
	txn := &model.Transaction{
		MerchantRequestID: resp.MerchantRequestID,
		CheckoutRequestID: resp.CheckoutRequestID,
		Amount:            order.Total,
		PhoneNumber:       phone,
		TransactionDate:   &ts,
		OrderID:           &order.ID,
	}
	if err := o.orders.CreateTransaction(ctx, txn); err != nil {
		// The prompt is already on the payer's phone; failing here would
		// report a payment failure for money that may still arrive.
		log.Error("pending transaction not saved", slog.String(logkey.CheckoutRequestID, resp.CheckoutRequestID), slog.String(logkey.Error, err.Error()))
	} else {
		log.Info("stk push accepted", slog.String(logkey.CheckoutRequestID, resp.CheckoutRequestID))
	}

	return &Initiation{
		MerchantRequestID: resp.MerchantRequestID,
		CheckoutRequestID: resp.CheckoutRequestID,
		OrderID:           order.ID,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}

// cancel 网关调用失败后，订单不能停留在 PENDING。
func (o *Orchestrator) cancel(ctx context.Context, log *slog.Logger, orderID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := o.orders.TransitionOrder(cctx, orderID, model.OrderPending, model.OrderCancelled); err != nil {
		log.Error("cancel order after gateway failure", slog.String(logkey.Error, err.Error()))
	}
}

func buildOrder(cart *model.Cart, expected decimal.Decimal) (*model.Order, error) {
	if len(cart.Items) == 0 {
		return nil, ErrEmptyCart
	}
	order := &model.Order{UserID: cart.UserID, Status: model.OrderPending}
	for _, it := range cart.Items {
		if it.Product == nil {
			return nil, fmt.Errorf("%w: product %d", ErrProductUnavailable, it.ProductID)
		}
		if it.Quantity <= 0 {
			continue
		}
		line := model.OrderItem{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.Product.Price,
		}
		order.Items = append(order.Items, line)
		order.Total = order.Total.Add(line.Subtotal())
	}
	if len(order.Items) == 0 {
		return nil, ErrEmptyCart
	}
	if order.Total.Sub(expected).Abs().GreaterThan(amountTolerance) {
		return nil, fmt.Errorf("%w: cart total %s, expected %s", ErrAmountMismatch, order.Total.StringFixed(2), expected.StringFixed(2))
	}
	return order, nil
}

// IsValidationError reports errors caused by the caller's input.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrEmptyCart) ||
		errors.Is(err, ErrAmountMismatch) ||
		errors.Is(err, ErrProductUnavailable) ||
		errors.Is(err, gateway.ErrInvalidPhone)
}

// IsGatewayError reports failures of the outbound gateway calls.
func IsGatewayError(err error) bool {
	var authErr *gateway.AuthError
	var reqErr *gateway.RequestError
	return errors.As(err, &authErr) || errors.As(err, &reqErr)
}
