package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrEmptyCallback     = errors.New("empty callback body")
	ErrMalformedCallback = errors.New("malformed callback")
)

// Metadata item names sent with a successful payment.
const (
	MetaAmount          = "Amount"
	MetaReceiptNumber   = "MpesaReceiptNumber"
	MetaPhoneNumber     = "PhoneNumber"
	MetaTransactionDate = "TransactionDate"
)

type callbackEnvelope struct {
	Body struct {
		STKCallback *rawCallback `json:"stkCallback"`
	} `json:"Body"`
}

type rawCallback struct {
	MerchantRequestID string          `json:"MerchantRequestID"`
	CheckoutRequestID string          `json:"CheckoutRequestID"`
	ResultCode        json.RawMessage `json:"ResultCode"`
	ResultDesc        *string         `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []MetadataItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

// MetadataItem is one name/value pair; Value is a JSON number or string.
type MetadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

// Callback is a validated STK result delivery.
type Callback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Items             []MetadataItem
}

// CallbackMetadata holds the values the pipeline reads from the item list.
// A missing item leaves its field nil.
type CallbackMetadata struct {
	ReceiptNumber   *string
	Amount          *decimal.Decimal
	PhoneNumber     *string
	TransactionDate *time.Time
}

// ParseCallback decodes and validates a delivery body.
func ParseCallback(body []byte) (*Callback, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyCallback
	}
	var env callbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	raw := env.Body.STKCallback
	if raw == nil {
		return nil, fmt.Errorf("%w: missing Body.stkCallback", ErrMalformedCallback)
	}
	if strings.TrimSpace(raw.CheckoutRequestID) == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", ErrMalformedCallback)
	}
	if raw.ResultDesc == nil {
		return nil, fmt.Errorf("%w: missing ResultDesc", ErrMalformedCallback)
	}
	code, err := parseResultCode(raw.ResultCode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	cb := &Callback{
		MerchantRequestID: raw.MerchantRequestID,
		CheckoutRequestID: raw.CheckoutRequestID,
		ResultCode:        code,
		ResultDesc:        *raw.ResultDesc,
	}
	if raw.CallbackMetadata != nil {
		cb.Items = raw.CallbackMetadata.Item
	}
	return cb, nil
}

// parseResultCode accepts 0 as well as "0".
func parseResultCode(raw json.RawMessage) (int, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, errors.New("missing ResultCode")
	}
	s = strings.Trim(s, `"`)
	code, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid ResultCode %s", raw)
	}
	return code, nil
}

// Value returns the named item as text, or false when absent.
func (c *Callback) Value(name string) (string, bool) {
	for _, it := range c.Items {
		if it.Name != name {
			continue
		}
		s := strings.TrimSpace(string(it.Value))
		if s == "" || s == "null" {
			return "", false
		}
		if strings.HasPrefix(s, `"`) {
			var str string
			if err := json.Unmarshal(it.Value, &str); err != nil {
				return "", false
			}
			return str, true
		}
		return s, true
	}
	return "", false
}

// Metadata extracts receipt, amount, phone and date. Unparseable values are
// treated as absent.
func (c *Callback) Metadata() CallbackMetadata {
	var md CallbackMetadata
	if v, ok := c.Value(MetaReceiptNumber); ok {
		md.ReceiptNumber = &v
	}
	if v, ok := c.Value(MetaAmount); ok {
		if d, err := decimal.NewFromString(v); err == nil {
			md.Amount = &d
		}
	}
	if v, ok := c.Value(MetaPhoneNumber); ok {
		md.PhoneNumber = &v
	}
	if v, ok := c.Value(MetaTransactionDate); ok {
		if t, err := time.ParseInLocation(timestampLayout, v, eat); err == nil {
			md.TransactionDate = &t
		}
	}
	return md
}
