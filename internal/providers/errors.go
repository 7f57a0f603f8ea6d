package providers

import (
	"errors"
	"net/http"
	"strings"

	anthropic "github.com/liushuangls/go-anthropic/v2"
	openai "github.com/meguminnnnnnnnn/go-openai"
)

// extractErrorMetadata extracts the HTTP status code and Retry-After value
// from an SDK error. Typed SDK errors are checked first, then the message.
func extractErrorMetadata(err error) (int, string) {
	if err == nil {
		return 0, ""
	}

	errStr := err.Error()
	retryAfter := retryAfterFromMessage(errStr)

	var anthropicReqErr *anthropic.RequestError
	if errors.As(err, &anthropicReqErr) && anthropicReqErr.StatusCode != 0 {
		return anthropicReqErr.StatusCode, retryAfter
	}
	var anthropicAPIErr *anthropic.APIError
	if errors.As(err, &anthropicAPIErr) {
		if status := anthropicErrorStatus(string(anthropicAPIErr.Type)); status != 0 {
			return status, retryAfter
		}
	}
	var openaiAPIErr *openai.APIError
	if errors.As(err, &openaiAPIErr) && openaiAPIErr.HTTPStatusCode != 0 {
		return openaiAPIErr.HTTPStatusCode, retryAfter
	}
	var openaiReqErr *openai.RequestError
	if errors.As(err, &openaiReqErr) && openaiReqErr.HTTPStatusCode != 0 {
		return openaiReqErr.HTTPStatusCode, retryAfter
	}

	return statusFromMessage(errStr), retryAfter
}

// statusFromMessage looks for common status patterns such as "429" or
// "status code 503" in an error message.
func statusFromMessage(errStr string) int {
	switch {
	case strings.Contains(errStr, "429"):
		return http.StatusTooManyRequests
	case strings.Contains(errStr, "529"):
		return 529
	case strings.Contains(errStr, "500"):
		return http.StatusInternalServerError
	case strings.Contains(errStr, "502"):
		return http.StatusBadGateway
	case strings.Contains(errStr, "503"):
		return http.StatusServiceUnavailable
	case strings.Contains(errStr, "504"):
		return http.StatusGatewayTimeout
	case strings.Contains(errStr, "401"):
		return http.StatusUnauthorized
	case strings.Contains(errStr, "403"):
		return http.StatusForbidden
	case strings.Contains(errStr, "404"):
		return http.StatusNotFound
	case strings.Contains(errStr, "400"):
		return http.StatusBadRequest
	}
	return 0
}

// retryAfterFromMessage extracts a value following "retry-after" or
// "retry after".
func retryAfterFromMessage(errStr string) string {
	lower := strings.ToLower(errStr)
	for _, marker := range []string{"retry-after", "retry after"} {
		idx := strings.Index(lower, marker)
		if idx == -1 {
			continue
		}
		remaining := strings.TrimLeft(errStr[idx+len(marker):], ": ")
		if parts := strings.Fields(remaining); len(parts) > 0 {
			return parts[0]
		}
	}
	return ""
}
