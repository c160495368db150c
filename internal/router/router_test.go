package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"mpesa_checkout/internal/config"
	"mpesa_checkout/internal/gateway"
	"mpesa_checkout/internal/middleware"
	"mpesa_checkout/internal/model"
	"mpesa_checkout/internal/notify"
	"mpesa_checkout/internal/payment"
	"mpesa_checkout/internal/store"
	rediskey "mpesa_checkout/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeDaraja 模拟网关：OAuth + STK push。
type fakeDaraja struct {
	pushStatus atomic.Int32
	pushes     atomic.Int32
}

func (d *fakeDaraja) server(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"tok-1","expires_in":"3599"}`))
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		n := d.pushes.Add(1)
		if status := int(d.pushStatus.Load()); status != 0 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"errorCode":"500.001.1001","errorMessage":"Service is currently unreachable"}`))
			return
		}
		fmt.Fprintf(w, `{"MerchantRequestID":"29115-%d","CheckoutRequestID":"ws_%03d","ResponseCode":"0","ResponseDescription":"Success. Request accepted for processing","CustomerMessage":"Success. Request accepted for processing"}`, n, n)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type mailCounter struct{ n atomic.Int32 }

func (m *mailCounter) SendOrderEmail(context.Context, *model.Order) (bool, error) {
	m.n.Add(1)
	return true, nil
}

type env struct {
	r      *gin.Engine
	db     *gorm.DB
	daraja *fakeDaraja
	mail   *mailCounter
	redis  *miniredis.Miniredis
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "router.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	st := store.New(db)

	e := &env{db: db, daraja: &fakeDaraja{}, mail: &mailCounter{}, redis: miniredis.RunT(t)}
	srv := e.daraja.server(t)
	rdb := rd.NewClient(&rd.Options{Addr: e.redis.Addr()})

	tokens := gateway.NewTokenCache(srv.Client(), srv.URL, "key", "secret", 30*time.Second, rediskey.NewTokenStore(rdb))
	client := gateway.NewClient(gateway.Config{
		BaseURL:     srv.URL,
		ShortCode:   "174379",
		PassKey:     "pk",
		CallbackURL: "https://shop.example.com/api/payments/mpesa/callback",
	}, srv.Client(), tokens)

	ingest := payment.NewIngestor(st, notify.NewAdminNotifier(st), e.mail)
	ingest.Locker = rediskey.NewCallbackLock(rdb, 10*time.Second, 2*time.Second)

	e.r = gin.New()
	Setup(e.r, Deps{
		Checkout:  payment.NewOrchestrator(st, client),
		Callbacks: ingest,
		Payments:  st,
		Redis:     rdb,
		Config:    config.AppConfig{CheckoutRateLimit: 5, CheckoutRateWindow: time.Minute},
	})

	require.NoError(t, db.Create(&[]model.User{
		{ID: "u1", Name: "Jane Wanjiru", Email: "jane@example.com"},
		{ID: "u2", Name: "John Otieno", Email: "john@example.com"},
		{ID: "admin", Name: "Ops", Email: "ops@example.com", Role: model.RoleAdmin},
	}).Error)
	return e
}

func (e *env) fillCart(t *testing.T, userID string, qty int, price string) {
	t.Helper()
	p := &model.Product{Name: "Kikoy", Price: decimal.RequireFromString(price), Stock: 100}
	require.NoError(t, e.db.Create(p).Error)
	cart := &model.Cart{UserID: userID}
	require.NoError(t, e.db.Create(cart).Error)
	require.NoError(t, e.db.Create(&model.CartItem{CartID: cart.ID, ProductID: p.ID, Quantity: qty}).Error)
}

func (e *env) do(method, path, userID string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(middleware.HeaderUserID, userID)
	}
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	return w
}

type apiResp struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) apiResp {
	t.Helper()
	var out apiResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func callbackBody(checkoutID string, code int) []byte {
	if code != 0 {
		return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"29115-1","CheckoutRequestID":%q,"ResultCode":%d,"ResultDesc":"Request cancelled by user"}}}`, checkoutID, code))
	}
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"29115-1","CheckoutRequestID":%q,"ResultCode":0,"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[{"Name":"Amount","Value":1500},{"Name":"MpesaReceiptNumber","Value":"ABC123"},{"Name":"TransactionDate","Value":20240301100215},{"Name":"PhoneNumber","Value":254712345678}]}}}}`, checkoutID))
}

const ackBody = `{"ResultCode":0,"ResultDesc":"Accepted"}`

func TestPing(t *testing.T) {
	e := newEnv(t)
	w := e.do(http.MethodGet, "/ping", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.HeaderRequestID))
}

func TestCheckoutThenPaidCallback(t *testing.T) {
	e := newEnv(t)
	e.fillCart(t, "u1", 3, "500")

	w := e.do(http.MethodPost, "/api/checkout", "u1", []byte(`{"amount":1500,"phone_number":"0712345678"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var started payment.Initiation
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &started))
	assert.Equal(t, "ws_001", started.CheckoutRequestID)
	assert.NotEmpty(t, started.OrderID)

	w = e.do(http.MethodGet, "/api/payments/ws_001", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(decode(t, w).Data), `"status":"pending"`)

	for i := 0; i < 2; i++ {
		w = e.do(http.MethodPost, "/api/payments/mpesa/callback", "", callbackBody("ws_001", 0))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, ackBody, w.Body.String())
	}

	var order model.Order
	require.NoError(t, e.db.First(&order, "id = ?", started.OrderID).Error)
	assert.Equal(t, model.OrderPaid, order.Status)
	assert.EqualValues(t, 1, e.mail.n.Load())
	var notifications int64
	require.NoError(t, e.db.Model(&model.Notification{}).Count(&notifications).Error)
	assert.EqualValues(t, 1, notifications)

	w = e.do(http.MethodGet, "/api/payments/ws_001", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := string(decode(t, w).Data)
	assert.Contains(t, data, `"status":"paid"`)
	assert.Contains(t, data, `"receipt_number":"ABC123"`)
	assert.Contains(t, data, `"order_status":"PAID"`)

	// 其他用户看不到
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/payments/ws_001", "u2", nil).Code)
}

func TestCheckoutFailedCallbackCancelsOrder(t *testing.T) {
	e := newEnv(t)
	e.fillCart(t, "u1", 1, "1500")

	w := e.do(http.MethodPost, "/api/checkout", "u1", []byte(`{"amount":"1500.00","phone_number":"+254 712 345 678"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(http.MethodPost, "/api/payments/mpesa/callback", "", callbackBody("ws_001", 1032))
	assert.JSONEq(t, ackBody, w.Body.String())

	var order model.Order
	require.NoError(t, e.db.First(&order).Error)
	assert.Equal(t, model.OrderCancelled, order.Status)
	assert.EqualValues(t, 0, e.mail.n.Load())

	w = e.do(http.MethodGet, "/api/payments/ws_001", "u1", nil)
	assert.Contains(t, string(decode(t, w).Data), `"status":"failed"`)
}

func TestCheckoutErrors(t *testing.T) {
	e := newEnv(t)
	e.fillCart(t, "u1", 1, "1500")

	cases := []struct {
		name   string
		user   string
		body   string
		status int
	}{
		{"no identity", "", `{"amount":1500,"phone_number":"0712345678"}`, http.StatusUnauthorized},
		{"bad json", "u1", `{`, http.StatusBadRequest},
		{"missing phone", "u1", `{"amount":1500}`, http.StatusBadRequest},
		{"missing amount", "u1", `{"phone_number":"0712345678"}`, http.StatusBadRequest},
		{"invalid phone", "u1", `{"amount":1500,"phone_number":"12345"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := e.do(http.MethodPost, "/api/checkout", tc.user, []byte(tc.body))
			assert.Equal(t, tc.status, w.Code, w.Body.String())
		})
	}
	var n int64
	require.NoError(t, e.db.Model(&model.Order{}).Count(&n).Error)
	assert.EqualValues(t, 0, n)
	assert.EqualValues(t, 0, e.daraja.pushes.Load())
}

func TestCheckoutAmountMismatch(t *testing.T) {
	e := newEnv(t)
	e.fillCart(t, "u1", 1, "1500")

	w := e.do(http.MethodPost, "/api/checkout", "u1", []byte(`{"amount":1000,"phone_number":"0712345678"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w).Msg, "amount does not match")
}

func TestCheckoutGatewayFailure(t *testing.T) {
	e := newEnv(t)
	e.fillCart(t, "u1", 1, "1500")
	e.daraja.pushStatus.Store(http.StatusInternalServerError)

	w := e.do(http.MethodPost, "/api/checkout", "u1", []byte(`{"amount":1500,"phone_number":"0712345678"}`))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, decode(t, w).Msg, "Service is currently unreachable")

	var order model.Order
	require.NoError(t, e.db.First(&order).Error)
	assert.Equal(t, model.OrderCancelled, order.Status)
	var n int64
	require.NoError(t, e.db.Model(&model.Transaction{}).Count(&n).Error)
	assert.EqualValues(t, 0, n)
}

func TestCheckoutRateLimited(t *testing.T) {
	e := newEnv(t)

	codes := make([]int, 0, 6)
	for i := 0; i < 6; i++ {
		// 空购物车：前 5 次 400，第 6 次被限流
		codes = append(codes, e.do(http.MethodPost, "/api/checkout", "u1", []byte(`{"amount":1500,"phone_number":"0712345678"}`)).Code)
	}
	assert.Equal(t, []int{400, 400, 400, 400, 400, 429}, codes)
}

func TestCallbackAlwaysAcknowledges(t *testing.T) {
	e := newEnv(t)

	for _, body := range []string{
		``,
		`garbage`,
		`{"Body":{"stkCallback":{"ResultCode":0}}}`,
		strings.Repeat("x", maxCallbackBytes+1),
	} {
		w := e.do(http.MethodPost, "/api/payments/mpesa/callback", "", []byte(body))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, ackBody, w.Body.String())
	}
	var n int64
	require.NoError(t, e.db.Model(&model.CallbackLog{}).Count(&n).Error)
	assert.EqualValues(t, 0, n)
}

type panickyHandler struct{}

func (panickyHandler) Handle(context.Context, []byte) payment.Outcome { panic("boom") }

func TestCallbackPanicStillAcknowledges(t *testing.T) {
	r := gin.New()
	Setup(r, Deps{Callbacks: panickyHandler{}})

	req := httptest.NewRequest(http.MethodPost, "/api/payments/mpesa/callback", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, ackBody, w.Body.String())
}

type brokenLookup struct{}

func (brokenLookup) TransactionByCheckoutID(context.Context, string) (*model.Transaction, error) {
	return nil, errors.New("database is locked")
}

func TestPaymentStatusErrors(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/payments/ws_missing", "u1", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/api/payments/ws_missing", "", nil).Code)

	r := gin.New()
	Setup(r, Deps{Payments: brokenLookup{}})
	req := httptest.NewRequest(http.MethodGet, "/api/payments/ws_1", nil)
	req.Header.Set(middleware.HeaderUserID, "u1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
