package pipeline

import (
	"errors"
	"fmt"
)

// ErrChannelClosed is returned by channel operations once the channel can
// no longer carry rows. Units that observe it stop without reporting.
var ErrChannelClosed = errors.New("row channel closed")

// ClosedError carries the reason a channel closed. It matches
// ErrChannelClosed with errors.Is and unwraps to the cause.
type ClosedError struct {
	Channel string
	Cause   error
}

func (e *ClosedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("channel %s: %v", e.Channel, ErrChannelClosed)
	}
	return fmt.Sprintf("channel %s: %v: %v", e.Channel, ErrChannelClosed, e.Cause)
}

func (e *ClosedError) Is(target error) bool { return target == ErrChannelClosed }

func (e *ClosedError) Unwrap() error { return e.Cause }

// ConfigurationError aborts a run before any unit starts.
type ConfigurationError struct {
	Transform string
	Code      string
	Err       error
}

func (e *ConfigurationError) Error() string {
	if e.Transform == "" {
		return fmt.Sprintf("configuration: %v", e.Err)
	}
	return fmt.Sprintf("configuration of %s: %v", e.Transform, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Configf builds a ConfigurationError for transform.
func Configf(transform, format string, args ...any) error {
	return &ConfigurationError{Transform: transform, Err: fmt.Errorf(format, args...)}
}

// ProcessingError is a per-row failure. It is counted once on the failing
// unit and cancels the rest of the graph.
type ProcessingError struct {
	Transform string
	Copy      int
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s.%d: %v", e.Transform, e.Copy, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// cooperative reports whether err means the unit was asked to stop rather
// than having failed on its own. An upstream failure reaches downstream
// units wrapped in a ClosedError and is not theirs to report.
func cooperative(err error) bool { return errors.Is(err, ErrChannelClosed) }
