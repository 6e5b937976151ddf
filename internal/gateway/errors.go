package gateway

import (
	"fmt"
	"sort"
	"strings"
)

// BadStatusError represents a non-2xx response from a gateway endpoint.
type BadStatusError struct {
	Endpoint   string // Base URL of the endpoint that answered
	StatusCode int    // HTTP status code returned
}

func (e *BadStatusError) Error() string {
	return fmt.Sprintf("gateway %s returned HTTP %d", e.Endpoint, e.StatusCode)
}

// MalformedResponseError represents a 2xx response whose body could not be
// parsed. It counts as an endpoint failure, not a retryable success.
type MalformedResponseError struct {
	Endpoint string
	Err      error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("gateway %s returned a malformed response: %v", e.Endpoint, e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// AllGatewaysError is returned when every endpoint exhausted its retries.
// LastErrors holds the final error per endpoint base URL.
type AllGatewaysError struct {
	LastErrors map[string]error
}

func (e *AllGatewaysError) Error() string {
	urls := make([]string, 0, len(e.LastErrors))
	for u := range e.LastErrors {
		urls = append(urls, u)
	}

	sort.Strings(urls)

	parts := make([]string, 0, len(urls))
	for _, u := range urls {
		parts = append(parts, fmt.Sprintf("%s: %v", u, e.LastErrors[u]))
	}

	return "all gateways failed: " + strings.Join(parts, "; ")
}
