package models

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
)

// ConfigurationError means bot-level configuration is missing or invalid.
// It aborts the affected bot's cycle only.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error (%s): %s", e.Field, e.Msg)
}

// MarketDataError means leverage, ATR or market metadata is unavailable.
// The symbol is skipped for this cycle.
type MarketDataError struct {
	Symbol string
	Msg    string
}

func (e *MarketDataError) Error() string {
	return fmt.Sprintf("market data error (%s): %s", e.Symbol, e.Msg)
}

// NumericError means a computed price or PnL is not finite.
type NumericError struct {
	Op    string
	Value float64
}

func (e *NumericError) Error() string {
	return fmt.Sprintf("numeric error in %s: value %v is not finite", e.Op, e.Value)
}

// ExchangeAPIError wraps a failed remote call together with its request parameters.
type ExchangeAPIError struct {
	Op     string
	Code   int64
	Status int
	Msg    string
	Params map[string]string
	Err    error
}

func (e *ExchangeAPIError) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != 0 {
		return fmt.Sprintf("exchange %s failed: code=%d, msg=%s", e.Op, e.Code, msg)
	}
	return fmt.Sprintf("exchange %s failed: %s", e.Op, msg)
}

func (e *ExchangeAPIError) Unwrap() error { return e.Err }

// RateLimitError is an ExchangeAPIError caused by exchange throttling.
type RateLimitError struct {
	*ExchangeAPIError
}

func (e *RateLimitError) Error() string {
	return "rate limited: " + e.ExchangeAPIError.Error()
}

func (e *RateLimitError) Unwrap() error { return e.ExchangeAPIError }

var rateLimitMarkers = []string{"rate limit", "too many requests", "429"}

// IsRateLimit reports whether err signals exchange throttling, either by type,
// by HTTP status, or by the text of the message.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var apiErr *ExchangeAPIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// IsExchangeAPI reports whether err came from a remote exchange call.
func IsExchangeAPI(err error) bool {
	var apiErr *ExchangeAPIError
	return errors.As(err, &apiErr)
}

// CheckFinite returns a NumericError for the first non-finite value.
func CheckFinite(op string, values ...float64) error {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &NumericError{Op: op, Value: v}
		}
	}
	return nil
}
