package reliability

import (
	"context"
	"errors"
	"net"
)

// Failure kinds used in logs and metric labels.
const (
	KindTransient = "transient"
	KindPermanent = "permanent"
	KindCanceled  = "canceled"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// temporary is implemented by errors that know whether they are worth another
// attempt later.
type temporary interface {
	Temporary() bool
}

// Classify labels err as transient, permanent or canceled. Nothing here
// retries; the label only tells operators whether a failure was load related.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	// *net.OpError and *url.Error carry a deprecated Temporary method that
	// reports false for refused dials, so network errors are checked first.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTransient
		}
		return KindPermanent
	}
	var t temporary
	if errors.As(err, &t) {
		if t.Temporary() {
			return KindTransient
		}
		return KindPermanent
	}
	return KindPermanent
}
