package stream

import (
	"fmt"
	"net/http"
	"strings"
)

// Category groups upstream failures into the buckets shown to users.
type Category string

const (
	CategoryUnauthorized        Category = "unauthorized"
	CategoryRateLimited         Category = "rate_limited"
	CategoryMalformedRequest    Category = "malformed_request"
	CategoryBillingExhausted    Category = "billing_exhausted"
	CategoryOverloaded          Category = "overloaded"
	CategoryUpstreamUnavailable Category = "upstream_unavailable"
	CategoryUnknown             Category = "unknown"
)

const (
	MessageUnauthorized        = "The assistant could not authenticate with the model provider. Please check the API key configuration."
	MessageRateLimited         = "Too many requests right now. Please wait a moment and try again."
	MessageMalformedRequest    = "The request was too large or malformed. Try removing some images or shortening your message."
	MessageBillingExhausted    = "The model provider account has run out of credit. Please contact the administrator."
	MessageOverloaded          = "The assistant is overloaded right now. Please try again in a moment."
	MessageUpstreamUnavailable = "The model provider is temporarily unavailable. Please try again shortly."
	MessageTimeout             = "The assistant took too long to respond. Please try again."
	MessageConnectionLost      = "The connection was lost before the reply finished. Please try again."
	MessageGeneric             = "Something went wrong. Please try again."
)

// CategorizeStatus maps an HTTP status from the completion service.
func CategorizeStatus(status int) Category {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return CategoryUnauthorized
	case http.StatusTooManyRequests:
		return CategoryRateLimited
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return CategoryMalformedRequest
	case http.StatusPaymentRequired:
		return CategoryBillingExhausted
	case 529:
		return CategoryOverloaded
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return CategoryUpstreamUnavailable
	default:
		return CategoryUnknown
	}
}

// CategorizeErrorType maps the provider's error "type" vocabulary, as sent
// in error bodies and in-stream error records.
func CategorizeErrorType(errType string) Category {
	switch strings.ToLower(strings.TrimSpace(errType)) {
	case "authentication_error", "permission_error":
		return CategoryUnauthorized
	case "rate_limit_error":
		return CategoryRateLimited
	case "invalid_request_error", "request_too_large":
		return CategoryMalformedRequest
	case "billing_error":
		return CategoryBillingExhausted
	case "overloaded_error":
		return CategoryOverloaded
	case "api_error", "timeout_error":
		return CategoryUpstreamUnavailable
	default:
		return CategoryUnknown
	}
}

// Message returns the fixed user-facing text for a category.
func (c Category) Message() string {
	switch c {
	case CategoryUnauthorized:
		return MessageUnauthorized
	case CategoryRateLimited:
		return MessageRateLimited
	case CategoryMalformedRequest:
		return MessageMalformedRequest
	case CategoryBillingExhausted:
		return MessageBillingExhausted
	case CategoryOverloaded:
		return MessageOverloaded
	case CategoryUpstreamUnavailable:
		return MessageUpstreamUnavailable
	default:
		return MessageGeneric
	}
}

// DescribeStatus returns the user-facing message for a non-2xx response.
// A recognised error type in the body wins over the bare status.
func DescribeStatus(status int, errType string) string {
	if c := CategorizeErrorType(errType); c != CategoryUnknown {
		return c.Message()
	}
	if c := CategorizeStatus(status); c != CategoryUnknown {
		return c.Message()
	}
	return fmt.Sprintf("Something went wrong (status %d). Please try again.", status)
}
