package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"mpesa_checkout/internal/config"
	"mpesa_checkout/internal/middleware"
	"mpesa_checkout/internal/model"
	"mpesa_checkout/internal/payment"
	"mpesa_checkout/internal/store"
	"mpesa_checkout/pkg/logkey"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// maxCallbackBytes 网关回调体积上限，超出部分直接丢弃。
const maxCallbackBytes = 64 << 10

type Initiator interface {
	InitiatePayment(ctx context.Context, userID string, amount decimal.Decimal, phone string) (*payment.Initiation, error)
}

type CallbackHandler interface {
	Handle(ctx context.Context, body []byte) payment.Outcome
}

type PaymentLookup interface {
	TransactionByCheckoutID(ctx context.Context, checkoutID string) (*model.Transaction, error)
}

// Deps 路由依赖。Redis 为 nil 时不启用下单限流。
type Deps struct {
	Checkout  Initiator
	Callbacks CallbackHandler
	Payments  PaymentLookup
	Redis     *rd.Client
	Config    config.AppConfig
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	r.Use(middleware.Trace())

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	checkoutChain := []gin.HandlerFunc{middleware.RequireUser()}
	if d.Redis != nil {
		checkoutChain = append(checkoutChain, middleware.RedisRateLimit(d.Redis, d.Config.CheckoutRateLimit, d.Config.CheckoutRateWindow))
	}
	checkoutChain = append(checkoutChain, checkout(d.Checkout))
	r.POST("/api/checkout", checkoutChain...)

	r.POST("/api/payments/mpesa/callback", mpesaCallback(d.Callbacks))
	r.GET("/api/payments/:checkout_request_id", middleware.RequireUser(), paymentStatus(d.Payments))
}

// checkout 下单并发起 STK push。
func checkout(svc Initiator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Amount      *decimal.Decimal `json:"amount"`
			PhoneNumber string           `json:"phone_number" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		if req.Amount == nil || !req.Amount.IsPositive() {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "amount must be a positive number"})
			return
		}

		out, err := svc.InitiatePayment(c.Request.Context(), middleware.UserID(c), *req.Amount, req.PhoneNumber)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"code": 0, "data": out})
		case payment.IsValidationError(err):
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
		case payment.IsGatewayError(err):
			c.JSON(http.StatusBadGateway, gin.H{"code": 502, "msg": "payment gateway error: " + err.Error()})
		default:
			slog.Error("checkout failed",
				slog.String(logkey.TraceID, middleware.TraceID(c)),
				slog.String(logkey.UserID, middleware.UserID(c)),
				slog.String(logkey.Error, err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "internal error"})
		}
	}
}

// mpesaCallback 网关回调入口：无论处理结果如何都返回 200 + Accepted，
// 否则网关会持续重投。
func mpesaCallback(h CallbackHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := slog.With(slog.String(logkey.TraceID, middleware.TraceID(c)))
		defer func() {
			if r := recover(); r != nil {
				log.Error("callback route panic", slog.Any("panic", r))
				c.JSON(http.StatusOK, payment.Accepted)
			}
		}()

		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBytes))
		if err != nil {
			log.Warn("callback body unreadable", slog.String(logkey.Error, err.Error()))
			c.JSON(http.StatusOK, payment.Accepted)
			return
		}

		outcome := h.Handle(c.Request.Context(), body)
		log.Info("callback handled", slog.String("outcome", string(outcome)))
		c.JSON(http.StatusOK, payment.Accepted)
	}
}

// paymentStatus 查询某次支付的状态，仅限订单所属用户。
func paymentStatus(payments PaymentLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("checkout_request_id")
		txn, err := payments.TransactionByCheckoutID(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "payment not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		// 他人订单与无主回调一律按不存在处理
		if txn.Order == nil || txn.Order.UserID != middleware.UserID(c) {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "payment not found"})
			return
		}

		data := gin.H{
			"checkout_request_id": txn.CheckoutRequestID,
			"merchant_request_id": txn.MerchantRequestID,
			"order_id":            txn.Order.ID,
			"order_status":        txn.Order.Status,
			"amount":              txn.Amount.StringFixed(2),
			"status":              paymentState(txn),
		}
		if txn.Resolved() {
			data["result_code"] = *txn.ResultCode
			if txn.ResultDesc != nil {
				data["result_desc"] = *txn.ResultDesc
			}
		}
		if txn.ReceiptNumber != nil {
			data["receipt_number"] = *txn.ReceiptNumber
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": data})
	}
}

// paymentState 将回调结果映射为前端可读语义。
func paymentState(t *model.Transaction) string {
	switch {
	case !t.Resolved():
		return "pending"
	case *t.ResultCode == 0:
		return "paid"
	default:
		return "failed"
	}
}
