package provider

import (
	"archive/zip"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// Kind classifies a provider failure for the pool's retry and discard policy.
type Kind int

const (
	// KindUnknown is any unexpected failure; it discards the provider.
	KindUnknown Kind = iota
	// KindConnection covers timeouts, TLS, proxy and socket failures.
	KindConnection
	// KindArchive means the downloaded archive is corrupt.
	KindArchive
	// KindMustBlacklist means the specific subtitle should never be tried again.
	KindMustBlacklist
	// KindLanguageReverse means a language code could not be mapped back.
	KindLanguageReverse
	// KindNoMoreResults means the provider refuses further queries this session.
	KindNoMoreResults
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindArchive:
		return "archive"
	case KindMustBlacklist:
		return "must_blacklist"
	case KindLanguageReverse:
		return "language_reverse"
	case KindNoMoreResults:
		return "no_more_results"
	default:
		return "unknown"
	}
}

// Error is a provider failure with an explicit kind.
type Error struct {
	Provider string
	Op       string // "search", "download", "initialize", "terminate"
	Kind     Kind
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return "provider error"
	}
	return fmt.Sprintf("provider=%s op=%s kind=%s: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind.
func NewError(providerName, op string, kind Kind, err error) *Error {
	return &Error{Provider: providerName, Op: op, Kind: kind, Err: err}
}

// Classify returns the kind of err. Explicit *Error kinds win; otherwise
// well-known network failures map to KindConnection and zip format errors to
// KindArchive.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) && pe.Kind != KindUnknown {
		return pe.Kind
	}
	if errors.Is(err, zip.ErrFormat) || errors.Is(err, zip.ErrChecksum) {
		return KindArchive
	}
	if isConnection(err) {
		return KindConnection
	}
	return KindUnknown
}

func isConnection(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuth x509.UnknownAuthorityError
	if errors.As(err, &unknownAuth) {
		return true
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// net/http reports proxy failures as plain strings inside url.Error.
		low := strings.ToLower(urlErr.Err.Error())
		if strings.Contains(low, "proxy") || strings.Contains(low, "tls") || strings.Contains(low, "connection") || strings.Contains(low, "eof") {
			return true
		}
	}
	return false
}
