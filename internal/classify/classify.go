// Package classify maps raw scrape outcomes - HTTP statuses, browser
// network errors, transport errors - onto a retry decision. DNS and
// certificate failures are structural and never retried; transport
// drops, timeouts and server-side errors are; unknown errors default to
// retryable because the retry cap bounds the cost.
package classify

import (
	"fmt"
	"strings"
)

// Classification is the decision for a single raw outcome.
type Classification struct {
	Retryable bool
	Temporary bool
	Reason    string
	// Status is the observed HTTP status, or a synthetic status standing
	// in for a network-level failure. Zero when no status applies.
	Status int
}

// chromeRule matches a Chrome-style network error token inside an error
// message and supplies the classification for it. Order matters: first
// match wins.
type chromeRule struct {
	tokens    []string
	retryable bool
	temporary bool
	reason    string
	status    int
}

var chromeRules = []chromeRule{
	{
		tokens:    []string{"ERR_CONNECTION_REFUSED"},
		retryable: true, temporary: true,
		reason: "Connection refused", status: 503,
	},
	{
		tokens:    []string{"ERR_CONNECTION_TIMED_OUT", "ERR_TIMED_OUT"},
		retryable: true, temporary: true,
		reason: "Connection timed out", status: 408,
	},
	{
		tokens:    []string{"ERR_NAME_NOT_RESOLVED"},
		retryable: false, temporary: false,
		reason: "DNS resolution failed", status: 404,
	},
	{
		tokens:    []string{"ERR_CERT_"},
		retryable: false, temporary: false,
		reason: "Certificate error", status: 502,
	},
	{
		tokens:    []string{"ERR_NETWORK_CHANGED", "ERR_INTERNET_DISCONNECTED"},
		retryable: true, temporary: true,
		reason: "Network unavailable", status: 503,
	},
}

// posixRule maps transport error codes (syscall names surfaced by the
// runtime) to a classification. No synthetic status applies.
var posixRules = map[string]Classification{
	"ENOTFOUND":    {Retryable: false, Temporary: false, Reason: "Host not found"},
	"ECONNREFUSED": {Retryable: true, Temporary: true, Reason: "Connection refused"},
	"ECONNRESET":   {Retryable: true, Temporary: true, Reason: "Connection reset"},
	"ETIMEDOUT":    {Retryable: true, Temporary: true, Reason: "Connection timed out"},
}

// HTTPStatus classifies an observed HTTP response status.
func HTTPStatus(status int) Classification {
	switch {
	case status >= 200 && status < 300:
		return Classification{Retryable: false, Temporary: false, Reason: "Success", Status: status}
	case status == 408 || status == 429:
		return Classification{Retryable: true, Temporary: true, Reason: clientErrorReason(status), Status: status}
	case status >= 400 && status < 500:
		return Classification{Retryable: false, Temporary: false, Reason: clientErrorReason(status), Status: status}
	case status >= 500:
		return Classification{Retryable: true, Temporary: true, Reason: serverErrorReason(status), Status: status}
	default:
		// 1xx/3xx should never reach the classifier; treat as retryable
		// so the cap decides.
		return Classification{Retryable: true, Temporary: true, Reason: unexpectedStatusReason(status), Status: status}
	}
}

// Error classifies a raw error message plus an optional transport error
// code. Matching order: Chrome-style ERR_* tokens, POSIX codes,
// timeout-named errors, then the default-retryable bucket.
func Error(message, code string) Classification {
	upper := strings.ToUpper(message)

	for _, rule := range chromeRules {
		for _, token := range rule.tokens {
			if strings.Contains(upper, token) {
				return Classification{
					Retryable: rule.retryable,
					Temporary: rule.temporary,
					Reason:    rule.reason,
					Status:    rule.status,
				}
			}
		}
	}

	// Any other Chrome-style network error: optimistically retry.
	if strings.Contains(upper, "ERR_") {
		return Classification{Retryable: true, Temporary: true, Reason: "Network error", Status: 503}
	}

	if code != "" {
		if c, ok := posixRules[strings.ToUpper(code)]; ok {
			return c
		}
	}

	if strings.Contains(upper, "TIMEOUT") || strings.Contains(upper, "TIMED OUT") ||
		strings.Contains(upper, "DEADLINE EXCEEDED") {
		return Classification{Retryable: true, Temporary: true, Reason: "Request timed out", Status: 408}
	}

	return Classification{Retryable: true, Temporary: false, Reason: "Unknown error"}
}

func clientErrorReason(status int) string {
	switch status {
	case 400:
		return "Bad request"
	case 401:
		return "Unauthorised"
	case 403:
		return "Forbidden"
	case 404:
		return "Not found"
	case 408:
		return "Request timeout"
	case 429:
		return "Too many requests"
	default:
		return clientErrorGeneric(status)
	}
}

func clientErrorGeneric(status int) string {
	return fmt.Sprintf("Client error %d", status)
}

func serverErrorReason(status int) string {
	switch status {
	case 500:
		return "Internal server error"
	case 502:
		return "Bad gateway"
	case 503:
		return "Service unavailable"
	case 504:
		return "Gateway timeout"
	default:
		return fmt.Sprintf("Server error %d", status)
	}
}

func unexpectedStatusReason(status int) string {
	return fmt.Sprintf("Unexpected status %d", status)
}
