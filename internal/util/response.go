package util

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// ErrorBody is the JSON envelope for every error response the gateway
// originates. Proxied backend responses pass through untouched.
type ErrorBody struct {
	Error     ErrorDetail `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
}

// ErrorDetail carries the machine code and human message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError classifies err and writes the JSON error envelope. The
// request ID is taken from the request context. Rate-limit errors get
// a Retry-After header rounded up to whole seconds.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)

	var rle *RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rle.RetryAfter)))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	body := ErrorBody{
		Error: ErrorDetail{
			Code:    code,
			Message: err.Error(),
		},
		RequestID: RequestIDFromContext(r.Context()),
	}
	_ = json.NewEncoder(w).Encode(body)
}

// retryAfterSeconds rounds a wait up to whole seconds, minimum 1, so
// clients honoring Retry-After never retry before the bucket refills.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
