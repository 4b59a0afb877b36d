package contract

import (
	"errors"
	"net"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrTransient          = errors.New("transient failure")
	ErrSystemic           = errors.New("subsystem unavailable")
	ErrNotFound           = errors.New("not found")
	ErrPermission         = errors.New("permission denied")
	ErrCapabilityNotFound = errors.New("capability not found")
	ErrInvalidToolArgument = errors.New("invalid tool argument")
	ErrModelInvoke        = errors.New("model invoke failed")
	ErrSchemaViolation    = errors.New("model response violates schema")
)

// IsTransient reports whether err is worth retrying: either explicitly
// classified, or a network timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsSystemic reports whether err signals that a whole subsystem is down,
// which triggers fallback paths rather than retries.
func IsSystemic(err error) bool {
	return err != nil && errors.Is(err, ErrSystemic)
}
