package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"

	apperrors "github.com/Finesssee/ccswitch/internal/errors"
)

// Upstream failure categories, used as log field and metric label.
const (
	categoryRefused = "refused"
	categoryDNS     = "dns"
	categoryTimeout = "timeout"
	categoryOther   = "other"
)

type upstreamFailure struct {
	category string
	status   int
	code     string
	message  string
	hint     string
}

func classifyUpstreamError(err error) upstreamFailure {
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr):
		return upstreamFailure{
			category: categoryDNS,
			status:   http.StatusBadGateway,
			code:     apperrors.CodeUpstreamDNS,
			message:  "upstream host could not be resolved",
			hint:     "check the account base URL and your DNS or upstream proxy settings",
		}
	case errors.Is(err, syscall.ECONNREFUSED) || strings.Contains(strings.ToLower(err.Error()), "connection refused"):
		return upstreamFailure{
			category: categoryRefused,
			status:   http.StatusBadGateway,
			code:     apperrors.CodeUpstreamRefused,
			message:  "upstream refused the connection",
			hint:     "the backend or upstream proxy is not accepting connections on that port",
		}
	case errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()):
		return upstreamFailure{
			category: categoryTimeout,
			status:   http.StatusGatewayTimeout,
			code:     apperrors.CodeUpstreamTimeout,
			message:  "upstream did not respond in time",
			hint:     "the backend is slow or unreachable; an upstream proxy may be required",
		}
	default:
		return upstreamFailure{
			category: categoryOther,
			status:   http.StatusBadGateway,
			code:     apperrors.CodeUpstreamFailure,
			message:  "upstream request failed",
			hint:     "see the proxy log for the underlying error",
		}
	}
}

func (f upstreamFailure) appError(err error) *apperrors.AppError {
	return apperrors.New(f.status, f.code, f.message, err).
		WithDetail("category", f.category).
		WithDetail("hint", f.hint)
}
