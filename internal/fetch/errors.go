package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
)

// Kind classifies a fetch failure.
type Kind string

// Fetch failure kinds.
const (
	KindTimeout            Kind = "timeout"
	KindDNS                Kind = "dns"
	KindConnectionRefused  Kind = "connection_refused"
	KindConnectionReset    Kind = "connection_reset"
	KindTLS                Kind = "tls"
	KindExhaustedRedirects Kind = "exhausted_redirects"
	KindHTTPError          Kind = "http_error"
	KindInvalidURL         Kind = "invalid_url"
)

// Error is returned by Fetch for every transport or protocol failure.
type Error struct {
	Kind       Kind
	URL        string
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindHTTPError:
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.StatusCode)
	case e.Cause != nil:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Cause)
	default:
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	}
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, crawler.ErrUnreachable) match network-level failures.
func (e *Error) Is(target error) bool {
	return target == crawler.ErrUnreachable && e.Kind != KindHTTPError && e.Kind != KindInvalidURL
}

// Retryable reports whether another attempt could plausibly succeed:
// timeouts, resets and 5xx/429 responses.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindConnectionReset:
		return true
	case KindHTTPError:
		return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}

// Transient reports whether err is worth retrying at the job level. Non-fetch
// errors (store hiccups) count as transient; cancellation never does.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return !errors.Is(err, context.DeadlineExceeded)
}

func httpError(rawURL string, status int) *Error {
	return &Error{Kind: KindHTTPError, URL: rawURL, StatusCode: status}
}

// classify maps a transport error to a Kind.
func classify(rawURL string, err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: kindOf(err), URL: rawURL, Cause: err}
}

func kindOf(err error) Kind {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return KindTimeout
		}
		return KindDNS
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindConnectionRefused
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.EPIPE) {
		return KindConnectionReset
	}
	if isTLS(err) {
		return KindTLS
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	// Unclassified transport errors are treated like resets so they get retried.
	return KindConnectionReset
}

func isTLS(err error) bool {
	var (
		recordErr   tls.RecordHeaderError
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &recordErr), errors.As(err, &verifyErr), errors.As(err, &unknownAuth),
		errors.As(err, &hostErr), errors.As(err, &invalidErr):
		return true
	}
	return strings.Contains(err.Error(), "tls: ")
}
