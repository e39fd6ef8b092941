package camera

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"skycam/pkg/ccd"
)

// HandlesErrors adapts a consumer that can fail into a capture callback.
// Errors and panics raised by fn are passed to handler instead of being lost
// on the dispatcher goroutine.
func HandlesErrors(handler func(error), fn func(frame []byte) error) ccd.CaptureFunc {
	return func(frame []byte) {
		defer func() {
			if r := recover(); r != nil {
				handler(fmt.Errorf("capture callback panicked: %v", r))
			}
		}()
		if err := fn(frame); err != nil {
			handler(err)
		}
	}
}

// LogsErrors is HandlesErrors with a handler logging to logger.
func LogsErrors(logger log.FieldLogger, fn func(frame []byte) error) ccd.CaptureFunc {
	return HandlesErrors(func(err error) {
		logger.Errorf("Error in capture callback: %v", err)
	}, fn)
}
