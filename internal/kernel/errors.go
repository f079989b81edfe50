package kernel

import (
	"errors"
	"fmt"
)

// ErrStartupTimeout reports that the kernel subprocess never signaled ready
// within the configured startup wait. The session stays uninitialized and a
// later call may retry.
var ErrStartupTimeout = errors.New("kernel did not become ready before the startup timeout")

// ConfigurationError reports an invalid session configuration, most commonly
// a work dir that escapes the sandbox root. It is fatal to the initialize
// call that raised it; the session stays uninitialized.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "invalid kernel session configuration: " + e.Reason
}

// StartupError wraps a kernel subprocess launch failure. Safe to retry.
type StartupError struct {
	Err error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("kernel startup failed: %v", e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
