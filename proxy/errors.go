package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	openai "github.com/sashabaranov/go-openai"
)

// StatusClientClosedRequest is the nginx convention for a request aborted
// by the client before the response was written.
const StatusClientClosedRequest = 499

// MapUpstreamError translates a failure from the upstream client into the
// HTTP status and error text returned to Ollama clients. model is the name
// from the inbound request and is only used for not-found messages.
//
// The mapping is fixed:
//
//	upstream 404            -> 404 model '<id>' not found
//	upstream 401/403        -> 401 unauthorized
//	upstream 429            -> 429 rate limit exceeded
//	upstream 5xx            -> 502 upstream error
//	connect/read timeout    -> 504 upstream timeout
//	client closed request   -> 499 client closed request
//	anything else           -> 500 internal error
func MapUpstreamError(err error, model string) (int, string) {
	if errors.Is(err, context.Canceled) {
		return StatusClientClosedRequest, "client closed request"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "upstream timeout"
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return mapUpstreamStatus(apiErr.HTTPStatusCode, model)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return mapUpstreamStatus(reqErr.HTTPStatusCode, model)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout, "upstream timeout"
	}

	// transport-level failure that is not a timeout, e.g. connection refused
	var urlErr *url.Error
	var opErr *net.OpError
	if errors.As(err, &urlErr) || errors.As(err, &opErr) {
		return http.StatusBadGateway, "upstream error"
	}

	return http.StatusInternalServerError, "internal error"
}

func mapUpstreamStatus(statusCode int, model string) (int, string) {
	switch {
	case statusCode == http.StatusNotFound:
		return http.StatusNotFound, fmt.Sprintf("model '%s' not found", model)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return http.StatusUnauthorized, "unauthorized"
	case statusCode == http.StatusTooManyRequests:
		return http.StatusTooManyRequests, "rate limit exceeded"
	case statusCode >= 500:
		return http.StatusBadGateway, "upstream error"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// retryableStatus reports whether an upstream HTTP status is worth
// retrying. 429 and all 5xx qualify, other 4xx never do.
func retryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= 500
}
