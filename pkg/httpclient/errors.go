package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
)

// TransportErrorKind classifies transport-level failures. Anything the
// server actually answered is not a transport error.
type TransportErrorKind string

const (
	TransportTimeout    TransportErrorKind = "timeout"
	TransportCanceled   TransportErrorKind = "canceled"
	TransportDNS        TransportErrorKind = "dns"
	TransportTLS        TransportErrorKind = "tls"
	TransportConnection TransportErrorKind = "connection"
)

// TransportError wraps DNS, TCP, TLS, timeout and connection-close failures.
type TransportError struct {
	Kind TransportErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (%s): %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was a deadline expiry.
func (e *TransportError) Timeout() bool {
	return e.Kind == TransportTimeout
}

func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}

	// Unwrap url.Error to inspect the cause.
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded):
		return &TransportError{Kind: TransportTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &TransportError{Kind: TransportCanceled, Err: err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &TransportError{Kind: TransportDNS, Err: err}
	}

	var recordErr *tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &recordErr) || errors.As(err, &certErr) {
		return &TransportError{Kind: TransportTLS, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Kind: TransportTimeout, Err: err}
	}

	return &TransportError{Kind: TransportConnection, Err: err}
}
