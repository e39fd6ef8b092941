package ccd

import (
	"errors"
	"fmt"

	"skycam/pkg/property"
)

var (
	ErrInvalidArgument      = property.ErrInvalidArgument
	ErrNotReady             = errors.New("client is not ready")
	ErrNoCallbackRegistered = errors.New("no capture callback registered, register one before taking a shot")
	ErrNotCallable          = errors.New("capture callback must be a function")
	ErrAlreadyConnected     = errors.New("client is already connected")
)

// DriverLoadError reports that the bus could not load the requested driver.
type DriverLoadError struct {
	Path string
	Err  error
}

func (e *DriverLoadError) Error() string {
	return fmt.Sprintf("unable to load requested driver %q: %v", e.Path, e.Err)
}

func (e *DriverLoadError) Unwrap() error {
	return e.Err
}
