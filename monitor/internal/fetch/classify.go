package fetch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/hazyhaar/pagewatch/horosafe"
)

// classifyStatus maps an HTTP status to an error kind. 2xx and 3xx map to "".
func classifyStatus(code int) string {
	switch {
	case code < 400:
		return ""
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code == http.StatusTooManyRequests:
		return KindTransient
	case code == http.StatusForbidden:
		return KindBlocked
	case code >= 500:
		return KindTransient
	}
	return KindPermanent
}

// classifyErr maps a transport error to an error kind.
func classifyErr(err error) string {
	if errors.Is(err, horosafe.ErrSSRF) || errors.Is(err, horosafe.ErrUnsafeScheme) || errors.Is(err, horosafe.ErrTooLarge) {
		return KindPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return KindPermanent
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "eof"),
		strings.Contains(msg, "tls handshake"),
		strings.Contains(msg, "broken pipe"):
		return KindTransient
	}
	return KindPermanent
}
