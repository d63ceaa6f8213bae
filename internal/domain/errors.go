package domain

import (
	"errors"
	"strings"
)

// Error kinds. Kinds are matched with errors.Is against a *Error or any error
// that wraps one.
var (
	ErrTransientLookup = errors.New("transient_lookup_failure")
	ErrConfiguration   = errors.New("configuration_error")
	ErrCapacityQuery   = errors.New("capacity_query_failure")
	ErrProvisioning    = errors.New("provisioning_failure")
	ErrInvalidEvent    = errors.New("invalid_event")
)

// ErrPermanent marks an external API failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent_api_failure")

type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		if e.Kind != nil {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func TransientLookupError(op string, err error) error {
	return &Error{Kind: ErrTransientLookup, Op: op, Err: err}
}

func ConfigurationError(op string, err error) error {
	return &Error{Kind: ErrConfiguration, Op: op, Err: err}
}

func CapacityQueryError(op string, err error) error {
	return &Error{Kind: ErrCapacityQuery, Op: op, Err: err}
}

func ProvisioningError(op string, err error) error {
	return &Error{Kind: ErrProvisioning, Op: op, Err: err}
}

func InvalidEventError(err error) error {
	return &Error{Kind: ErrInvalidEvent, Op: "event", Err: err}
}

// Detail returns the innermost message of a classified error, without the
// kind prefix, for operator-facing notifications.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) && de.Err != nil {
		return de.Err.Error()
	}
	return err.Error()
}
