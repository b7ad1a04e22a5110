package plugin

import (
	"errors"
	"fmt"
)

// Error kinds shared across the plugin runtime. Wrap them with fmt.Errorf and
// test with errors.Is.
var (
	ErrNotFound          = errors.New("plugin not found")
	ErrLoadFailed        = errors.New("plugin load failed")
	ErrExecutionFailed   = errors.New("plugin execution failed")
	ErrConfig            = errors.New("plugin config error")
	ErrDependencyMissing = errors.New("plugin dependency missing")
	ErrIncompatible      = errors.New("plugin incompatible")
	ErrTimeout           = errors.New("plugin timeout")
	ErrAlreadyExists     = errors.New("plugin already exists")
	ErrUnsupported       = errors.New("unsupported plugin operation")
	ErrClosed            = errors.New("plugin instance closed")
	ErrReloadInProgress  = errors.New("reload already in progress")
)

// Errorf wraps kind with a formatted message.
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
