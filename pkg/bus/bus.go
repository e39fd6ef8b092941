// Package bus defines the contract of the external device bus runtime that
// the CCD client drives. The bus coordinates drivers and devices; its wire
// protocol lives behind the implementations.
package bus

import (
	"errors"
	"fmt"

	"skycam/pkg/property"
)

var (
	ErrNotStarted     = errors.New("bus is not started")
	ErrUnknownDriver  = errors.New("unknown driver")
	ErrUnknownDevice  = errors.New("unknown device")
	ErrNotAttached    = errors.New("client is not attached")
	ErrDriverNotOwned = errors.New("driver handle does not belong to this bus")
)

type LogLevel int

const (
	LogPlain LogLevel = iota
	LogError
	LogInfo
	LogDebug
	LogTrace
)

func (l LogLevel) String() string {
	switch l {
	case LogPlain:
		return "plain"
	case LogError:
		return "error"
	case LogInfo:
		return "info"
	case LogDebug:
		return "debug"
	case LogTrace:
		return "trace"
	default:
		return fmt.Sprintf("LogLevel(%d)", int(l))
	}
}

// ParseLogLevel is the inverse of LogLevel.String.
func ParseLogLevel(s string) (LogLevel, error) {
	for l := LogPlain; l <= LogTrace; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return LogInfo, fmt.Errorf("unknown log level %q", s)
}

// Driver is an opaque handle to a loaded driver.
type Driver interface {
	Name() string
}

// Listener receives events from the bus. Methods are called from the bus
// runtime's own goroutine. The frame passed to ImageReady is only valid for
// the duration of the call.
type Listener interface {
	DeviceConnected(device string, connected bool)
	ImageReady(device string, frame []byte)
}

// Bus is the set of primitives offered by the device bus runtime.
type Bus interface {
	SetLogLevel(level LogLevel)
	Start() error
	Stop() error
	AttachClient(l Listener) error
	DetachClient(l Listener) error

	LoadDriver(path string) (Driver, error)
	RemoveDriver(d Driver) error

	ChangeNumberProperty(device, name string, items []string, values []float64) error
	ChangeSwitchProperty(device, name string, items []string, values []bool) error
	ChangeTextProperty(device, name string, items []string, values []string) error
	DisconnectDevice(device string) error
}

// Send translates a property request into the matching bus call.
func Send(b Bus, device string, req property.Request) error {
	switch req.Kind {
	case property.KindNumber:
		return b.ChangeNumberProperty(device, req.Name, req.Items, req.Numbers)
	case property.KindSwitch:
		return b.ChangeSwitchProperty(device, req.Name, req.Items, req.Switches)
	case property.KindText:
		return b.ChangeTextProperty(device, req.Name, req.Items, req.Texts)
	default:
		return fmt.Errorf("%w: unsupported property kind %v", property.ErrInvalidArgument, req.Kind)
	}
}
