package crm

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed CRM call for the caller's retry policy.
type ErrorKind string

const (
	// KindTransient covers timeouts, 5xx, and TLS failures. The task queue's
	// outer retry policy applies; the gateway never retries these itself.
	KindTransient ErrorKind = "transient"
	// KindAuthExpired is an expired access token. Handled internally by one
	// refresh-and-retry; surfaces only when the refresh itself failed.
	KindAuthExpired ErrorKind = "auth_expired"
	// KindTerminalAuth is a bad credential, a deactivated user, or an
	// expired license. Never retried.
	KindTerminalAuth ErrorKind = "terminal_auth"
	// KindValidation is a malformed request. Never retried.
	KindValidation ErrorKind = "validation"
	// KindEntitlement is an expired channel-session tariff. Checked before
	// any remote call.
	KindEntitlement ErrorKind = "entitlement"
)

// CallError carries enough context to reconstruct a failed call: the REST
// method, its parameters, and the last observed HTTP status.
type CallError struct {
	Method string
	Params map[string]any
	Status int
	Kind   ErrorKind
	Err    error
}

func (e *CallError) Error() string {
	msg := fmt.Sprintf("crm call %s failed (%s, status %d)", e.Method, e.Kind, e.Status)
	if len(e.Params) > 0 {
		msg += fmt.Sprintf(", params %v", e.Params)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a CRM call failure the queue may retry.
func IsTransient(err error) bool {
	var callErr *CallError
	return errors.As(err, &callErr) && callErr.Kind == KindTransient
}

// IsTerminal reports whether err is a CRM call failure that retrying cannot fix.
func IsTerminal(err error) bool {
	var callErr *CallError
	if !errors.As(err, &callErr) {
		return false
	}
	switch callErr.Kind {
	case KindTerminalAuth, KindValidation, KindEntitlement:
		return true
	}
	return false
}
