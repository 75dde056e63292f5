// Package refresherr classifies refresh failures. The distinction matters
// for accounting: transient network errors are excluded from the
// consecutive-failure budget and the circuit breaker, while application
// and timeout errors count toward both.
package refresherr

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// Kind is the failure class of a refresh error.
type Kind int

const (
	// KindNone means no error.
	KindNone Kind = iota
	// KindNetwork is a transient connectivity failure; retried via the
	// offline/online recovery path, never counted as a source failure.
	KindNetwork
	// KindApplication is a remote or application error (non-2xx status,
	// parse failure); counts toward breaker and failure budget.
	KindApplication
	// KindTimeout means the refresh did not settle within its deadline;
	// counts as a failure.
	KindTimeout
	// KindCanceled means the operation was canceled by teardown or
	// unscheduling; not counted.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNetwork:
		return "network"
	case KindApplication:
		return "application"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// connectionSignatures are error-string fragments that indicate a
// connectivity problem when no typed error is available.
var connectionSignatures = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"network is unreachable",
	"host is unreachable",
	"broken pipe",
	"tls handshake timeout",
	"no route to host",
}

// Classify maps an error to its failure Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case IsNetwork(err):
		return KindNetwork
	default:
		return KindApplication
	}
}

// IsNetwork reports whether err looks like a transient connectivity
// failure rather than a remote application error.
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		// Dial/read timeouts are connectivity problems; the per-refresh
		// deadline surfaces as context.DeadlineExceeded and is classified
		// as a timeout before we get here.
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return IsNetwork(urlErr.Err)
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range connectionSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Counts reports whether the kind counts toward the consecutive-failure
// budget and the circuit breaker.
func (k Kind) Counts() bool {
	return k == KindApplication || k == KindTimeout
}

// Counts reports whether err counts toward the consecutive-failure budget
// and the circuit breaker.
func Counts(err error) bool {
	return Classify(err).Counts()
}
