package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// TransactionTypePayBill is the STK push type for paybill shortcodes.
	TransactionTypePayBill = "CustomerPayBillOnline"

	timestampLayout = "20060102150405"
)

// eat is East Africa Time; the gateway expects local timestamps.
var eat = time.FixedZone("EAT", 3*60*60)

// Config 网关接入参数。
type Config struct {
	BaseURL     string
	ShortCode   string
	PassKey     string
	CallbackURL string
}

// STKPushRequest is one prompt sent to the payer's phone.
type STKPushRequest struct {
	Amount           int64
	PhoneNumber      string // normalized MSISDN
	AccountReference string
	Description      string
}

// STKPushResponse is the gateway's synchronous acknowledgement. Timestamp is
// the instant used to derive the request password.
type STKPushResponse struct {
	MerchantRequestID   string    `json:"MerchantRequestID"`
	CheckoutRequestID   string    `json:"CheckoutRequestID"`
	ResponseCode        string    `json:"ResponseCode"`
	ResponseDescription string    `json:"ResponseDescription"`
	CustomerMessage     string    `json:"CustomerMessage"`
	Timestamp           time.Time `json:"-"`
}

type stkPushBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type errorBody struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Client calls the push-payment endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	tokens     *TokenCache
	now        func() time.Time
}

// NewClient wires a client to its token cache. httpClient must carry a timeout.
func NewClient(cfg Config, httpClient *http.Client, tokens *TokenCache) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		tokens:     tokens,
		now:        time.Now,
	}
}

// Timestamp formats t the way the gateway expects.
func Timestamp(t time.Time) string {
	return t.In(eat).Format(timestampLayout)
}

// Password derives the request password for a timestamp.
func Password(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

// STKPush asks the gateway to prompt the payer. Any failure, including a
// well-formed rejection, comes back as an error; no retry is attempted.
func (c *Client) STKPush(ctx context.Context, in STKPushRequest) (*STKPushResponse, error) {
	token, _, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	now := c.now()
	ts := Timestamp(now)
	payload, err := json.Marshal(stkPushBody{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.PassKey, ts),
		Timestamp:         ts,
		TransactionType:   TransactionTypePayBill,
		Amount:            in.Amount,
		PartyA:            in.PhoneNumber,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       in.PhoneNumber,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  in.AccountReference,
		TransactionDesc:   in.Description,
	})
	if err != nil {
		return nil, &RequestError{Message: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewReader(payload))
	if err != nil {
		return nil, &RequestError{Message: "build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RequestError{Message: "gateway unreachable", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, &RequestError{StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rerr := &RequestError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var eb errorBody
		if json.Unmarshal(body, &eb) == nil && eb.ErrorMessage != "" {
			rerr.Code = eb.ErrorCode
			rerr.Message = eb.ErrorMessage
		}
		return nil, rerr
	}

	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && eb.ErrorCode != "" {
		return nil, &RequestError{StatusCode: resp.StatusCode, Code: eb.ErrorCode, Message: eb.ErrorMessage}
	}

	var out STKPushResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &RequestError{StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
	}
	if out.MerchantRequestID == "" || out.CheckoutRequestID == "" {
		return nil, &RequestError{StatusCode: resp.StatusCode, Message: "response missing request identifiers"}
	}
	if out.ResponseCode != "0" {
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       out.ResponseCode,
			Message:    fmt.Sprintf("push rejected: %s", out.ResponseDescription),
		}
	}
	out.Timestamp = now
	return &out, nil
}
