// Package logkey holds the slog attribute keys shared across packages.
package logkey

const (
	TraceID           = "trace_id"
	UserID            = "user_id"
	OrderID           = "order_id"
	CheckoutRequestID = "checkout_request_id"
	Error             = "error"
)
