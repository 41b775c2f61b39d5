// internal/errors/errors.go
package appErrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is matched by every NotFoundError through errors.Is.
var ErrNotFound = errors.New("not found")

type NotFoundError struct {
	Entity string
	ID     any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %v not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func NewNotFound(entity string, id any) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// ConfigurationError reports a gateway that cannot be turned into an adapter:
// missing or inactive row, bad credentials, unknown vendor.
type ConfigurationError struct {
	GatewayID int
	Vendor    string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	if e.Vendor != "" {
		return fmt.Sprintf("gateway %d (%s) misconfigured: %s", e.GatewayID, e.Vendor, e.Reason)
	}
	return fmt.Sprintf("gateway %d misconfigured: %s", e.GatewayID, e.Reason)
}

func NewConfigurationError(gatewayID int, vendor, reason string) error {
	return &ConfigurationError{GatewayID: gatewayID, Vendor: vendor, Reason: reason}
}

type NoGatewayAvailableError struct {
	Channel string
}

func (e *NoGatewayAvailableError) Error() string {
	return fmt.Sprintf("no gateway available for channel %s", e.Channel)
}

func NewNoGatewayAvailable(channel string) error {
	return &NoGatewayAvailableError{Channel: channel}
}

// TransportError wraps a network or provider failure during a vendor call.
type TransportError struct {
	Vendor     string
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: provider returned %d: %v", e.Vendor, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Vendor, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the call was cut off by its deadline.
func (e *TransportError) Timeout() bool {
	var t interface{ Timeout() bool }
	if errors.As(e.Err, &t) && t.Timeout() {
		return true
	}
	return errors.Is(e.Err, context.DeadlineExceeded)
}

func NewTransportError(vendor, op string, statusCode int, err error) error {
	return &TransportError{Vendor: vendor, Op: op, StatusCode: statusCode, Err: err}
}

type RateLimitExceededError struct {
	GatewayID int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("gateway %d daily limit reached", e.GatewayID)
}

func NewRateLimitExceeded(gatewayID int) error {
	return &RateLimitExceededError{GatewayID: gatewayID}
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewPersistenceError wraps err unless it is nil or already a domain error
// (not-found results pass through untouched).
func NewPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsDeferrable reports errors that should put a claimed row back without
// consuming a retry: the row never reached a provider.
func IsDeferrable(err error) bool {
	var rl *RateLimitExceededError
	return errors.As(err, &rl)
}

// FailoverError is returned once every eligible gateway has been tried.
type FailoverError struct {
	Channel  string
	Attempts int
	Last     error
}

func (e *FailoverError) Error() string {
	return fmt.Sprintf("all %d gateway(s) for %s failed, last error: %v", e.Attempts, e.Channel, e.Last)
}

func (e *FailoverError) Unwrap() error { return e.Last }

// StatusCode maps a service error to the HTTP status the producer API answers with.
func StatusCode(err error) int {
	var (
		validation *ValidationError
		notFound   *NotFoundError
		noGateway  *NoGatewayAvailableError
		rateLimit  *RateLimitExceededError
		failover   *FailoverError
		config     *ConfigurationError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &failover):
		return http.StatusBadGateway
	case errors.As(err, &noGateway), errors.As(err, &rateLimit):
		return http.StatusServiceUnavailable
	case errors.As(err, &config):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
