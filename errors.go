package nodeaddr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/dns"
	"go.uber.org/multierr"
)

var (
	ErrConfiguration    = errors.New("invalid configuration")
	ErrTransport        = errors.New("transport failure")
	ErrNegativeResponse = errors.New("negative response")
	ErrValidationFailed = errors.New("dnssec validation failed")
	ErrDecode           = errors.New("malformed cache entry")
	ErrResolverClosed   = errors.New("resolver closed")
)

// ConfigurationError is returned when a Config holds an invalid option or combination of options
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func configError(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TransportError is returned when every configured upstream failed to answer, it is safe to retry.
type TransportError struct {
	Name    string
	Servers []string
	Err     error // per server failures combined with multierr
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure resolving %s via [%s]: %v", e.Name, strings.Join(e.Servers, ", "), e.Err)
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Errors returns the individual per server failures
func (e *TransportError) Errors() []error {
	return multierr.Errors(e.Err)
}

// NegativeResponseError is returned when the upstream answered that the name does not exist (NXDOMAIN)
// or has no records of the requested type (NODATA).
type NegativeResponseError struct {
	Name   string
	Rcode  int
	NoData bool
}

func (e *NegativeResponseError) Error() string {
	if e.NoData {
		return fmt.Sprintf("no records found for %s", e.Name)
	}
	return fmt.Sprintf("cannot resolve %s: %s", e.Name, dns.RcodeToString[e.Rcode])
}

func (e *NegativeResponseError) Is(target error) bool {
	return target == ErrNegativeResponse
}

// ValidationError is returned when DNSSEC validation of an answer fails
type ValidationError struct {
	Name   string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dnssec validation failed for %s: %s: %v", e.Name, e.Reason, e.Err)
	}
	return fmt.Sprintf("dnssec validation failed for %s: %s", e.Name, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// DecodeError is reported when a persisted cache entry cannot be decoded, the entry is dropped.
type DecodeError struct {
	Key string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed cache entry %q: %v", e.Key, e.Err)
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transient failure worth retrying
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport)
}
