package workspace

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"

	"google.golang.org/api/googleapi"

	"github.com/crosswire-id/crosswire/internal/ioerr"
)

// reasons the API reports under HTTP 403 that are throttling rather than
// authorization failures.
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
	"dailyLimitExceeded":    true,
}

// mapErr translates a wire error into the taxonomy. Status codes decide
// the kind; 403 needs the error reason to separate throttling from a
// genuine permission refusal.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 400:
			return ioerr.Wrap(ioerr.KindMalformed, op+" rejected", err)
		case apiErr.Code == 401:
			return ioerr.Wrap(ioerr.KindAuthExpired, op+" unauthorized", err)
		case apiErr.Code == 403:
			if throttled(apiErr) {
				return ioerr.Wrap(ioerr.KindTransient, op+" throttled", err)
			}
			return ioerr.Wrap(ioerr.KindForbidden, op+" forbidden", err)
		case apiErr.Code == 404:
			return ioerr.Wrap(ioerr.KindNotFound, op+" target not found", err)
		case apiErr.Code == 409:
			return ioerr.Wrap(ioerr.KindConflict, op+" conflicts with existing entity", err)
		case apiErr.Code == 412:
			return ioerr.Wrap(ioerr.KindConflict, op+" precondition failed", err)
		case apiErr.Code == 429:
			return ioerr.Wrap(ioerr.KindTransient, op+" throttled", err)
		case apiErr.Code >= 500:
			return ioerr.Wrap(ioerr.KindTransient, op+" provider error", err)
		}
		return ioerr.Wrap(ioerr.KindInternal, op+" failed", err)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ioerr.Wrap(ioerr.KindTimeout, op+" deadline elapsed", err)
	case errors.Is(err, context.Canceled):
		return ioerr.Wrap(ioerr.KindCancelled, op+" cancelled", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ioerr.Wrap(ioerr.KindTimeout, op+" network timeout", err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ioerr.Wrap(ioerr.KindTransient, op+" network error", err)
	}
	return ioerr.Wrap(ioerr.KindInternal, op+" failed", err)
}

func throttled(apiErr *googleapi.Error) bool {
	for _, e := range apiErr.Errors {
		if rateLimitReasons[e.Reason] {
			return true
		}
	}
	// Some surfaces report the reason only in the message body.
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota")
}
