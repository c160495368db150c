package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pushRecorder struct {
	auth string
	body stkPushBody
}

func newGatewayServer(t *testing.T, rec *pushRecorder, push http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", okToken)
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		if rec != nil {
			rec.auth = r.Header.Get("Authorization")
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		push(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srv *httptest.Server, now time.Time) *Client {
	tokens := NewTokenCache(srv.Client(), srv.URL, "key", "secret", 30*time.Second, nil)
	c := NewClient(Config{
		BaseURL:     srv.URL,
		ShortCode:   "174379",
		PassKey:     "pk",
		CallbackURL: "https://shop.example.com/api/payments/mpesa/callback",
	}, srv.Client(), tokens)
	c.now = func() time.Time { return now }
	return c
}

func TestSTKPushSuccess(t *testing.T) {
	rec := &pushRecorder{}
	srv := newGatewayServer(t, rec, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_001","ResponseCode":"0","ResponseDescription":"Success. Request accepted for processing","CustomerMessage":"Success"}`))
	})
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	c := newTestClient(srv, now)

	out, err := c.STKPush(context.Background(), STKPushRequest{
		Amount:           1500,
		PhoneNumber:      "254712345678",
		AccountReference: "order-1",
		Description:      "Payment for order order-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "ws_001", out.CheckoutRequestID)
	assert.Equal(t, "m-1", out.MerchantRequestID)
	assert.True(t, out.Timestamp.Equal(now))

	assert.Equal(t, "Bearer tok-1", rec.auth)
	assert.Equal(t, "20260301123000", rec.body.Timestamp)
	assert.Equal(t, Password("174379", "pk", "20260301123000"), rec.body.Password)
	assert.Equal(t, TransactionTypePayBill, rec.body.TransactionType)
	assert.EqualValues(t, 1500, rec.body.Amount)
	assert.Equal(t, "254712345678", rec.body.PartyA)
	assert.Equal(t, "174379", rec.body.PartyB)
	assert.Equal(t, "order-1", rec.body.AccountReference)
}

func TestPassword(t *testing.T) {
	// base64("174379" + "pk" + "20260301123000")
	assert.Equal(t, "MTc0Mzc5cGsyMDI2MDMwMTEyMzAwMA==", Password("174379", "pk", "20260301123000"))
}

func TestSTKPushFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		status  int
		message string
	}{
		{
			name: "non-2xx with error payload",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"requestId":"r","errorCode":"400.002.02","errorMessage":"Bad Request - Invalid Amount"}`))
			},
			status:  http.StatusBadRequest,
			message: "Bad Request - Invalid Amount",
		},
		{
			name: "non-2xx without payload",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			status:  http.StatusServiceUnavailable,
			message: http.StatusText(http.StatusServiceUnavailable),
		},
		{
			name: "error payload with 200",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"errorCode":"500.001.1001","errorMessage":"Unable to lock subscriber"}`))
			},
			status:  http.StatusOK,
			message: "Unable to lock subscriber",
		},
		{
			name: "unparseable success",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`<html>oops</html>`))
			},
			status:  http.StatusOK,
			message: "malformed response",
		},
		{
			name: "missing ids",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"ResponseCode":"0"}`))
			},
			status:  http.StatusOK,
			message: "response missing request identifiers",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newGatewayServer(t, nil, tc.handler)
			c := newTestClient(srv, time.Now())

			_, err := c.STKPush(context.Background(), STKPushRequest{Amount: 1, PhoneNumber: "254712345678", AccountReference: "o"})
			var reqErr *RequestError
			require.True(t, errors.As(err, &reqErr), "got %v", err)
			assert.Equal(t, tc.status, reqErr.StatusCode)
			assert.Equal(t, tc.message, reqErr.Message)
		})
	}
}

func TestSTKPushTimeout(t *testing.T) {
	srv := newGatewayServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	c := newTestClient(srv, time.Now())
	c.httpClient = &http.Client{Timeout: 50 * time.Millisecond}

	_, err := c.STKPush(context.Background(), STKPushRequest{Amount: 1, PhoneNumber: "254712345678", AccountReference: "o"})
	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr), "got %v", err)
	assert.Equal(t, "gateway unreachable", reqErr.Message)
}

func TestSTKPushAuthFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := newTestClient(srv, time.Now())

	_, err := c.STKPush(context.Background(), STKPushRequest{Amount: 1, PhoneNumber: "254712345678"})
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
}
