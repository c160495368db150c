package gateway

import "fmt"

// AuthError means the credential exchange failed: the gateway rejected the
// consumer key/secret or answered with an unusable payload.
type AuthError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway auth failed: %s: %v", e.Message, e.Err)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway auth failed (status %d): %s", e.StatusCode, e.Message)
	}
	return "gateway auth failed: " + e.Message
}

func (e *AuthError) Unwrap() error { return e.Err }

// RequestError is a rejected, failed or unparseable push-payment call.
// Message carries the gateway's own text when it sent one.
type RequestError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *RequestError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("gateway request failed: %s: %v", msg, e.Err)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway request failed (status %d): %s", e.StatusCode, msg)
	}
	return "gateway request failed: " + msg
}

func (e *RequestError) Unwrap() error { return e.Err }
