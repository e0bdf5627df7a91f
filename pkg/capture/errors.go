package capture

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceNotFound             = errors.New("capture device not found")
	ErrNoInputInterface           = errors.New("device has no capture input")
	ErrFormatDetectionUnsupported = errors.New("device does not support input format detection")
	ErrDisplayModeNotFound        = errors.New("display mode not found")
	ErrModeUnsupported            = errors.New("display mode and pixel format combination not supported")
	ErrMode3DUnsupported          = errors.New("display mode does not support 3D")
	ErrDesync                     = errors.New("audio and video out of sync")
	ErrAlreadyRunning             = errors.New("capture session already running")
)

// Setup steps, in the order the controller performs them
const (
	StepDevice        = "select device"
	StepInput         = "acquire input"
	StepDisplayMode   = "select display mode"
	StepModeSupport   = "check mode support"
	StepCallback      = "register callback"
	StepConnectors    = "select connectors"
	StepEnableStreams = "enable streams"
	StepStart         = "start streams"
)

// SetupError reports which setup step failed and on what resource
type SetupError struct {
	Step     string
	Resource string
	Err      error
}

func (e *SetupError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Step, e.Resource, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

func setupErr(step, resource string, err error) error {
	return &SetupError{Step: step, Resource: resource, Err: err}
}

// wrapf joins a sentinel with the device error that caused it
func wrapf(sentinel error, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}
