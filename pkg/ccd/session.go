package ccd

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"skycam/pkg/bus"
	"skycam/pkg/property"
)

// DefaultDisconnectDelay is the pause between the device disconnect request
// and the driver removal during cleanup. The bus offers no acknowledgment
// that a disconnect completed, and removing the driver too early races with
// it.
const DefaultDisconnectDelay = time.Second

// session owns the lifecycle of the connection to the bus and the loaded
// driver handle.
type session struct {
	bus      bus.Bus
	listener bus.Listener
	logger   log.FieldLogger

	logLevel        bus.LogLevel
	disconnectDelay time.Duration
	sleep           func(time.Duration)

	mu       sync.Mutex // serializes setup and teardown
	state    atomic.Int32
	driver   bus.Driver
	started  bool
	attached bool
}

func (s *session) State() State {
	return State(s.state.Load())
}

func (s *session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.logger.Debugf("Session state %v -> %v", old, st)
	}
}

// setup starts the bus, attaches the listener and loads the driver. A failed
// driver load leaves the bus running.
func (s *session) setup(driverPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == Connected {
		return ErrAlreadyConnected
	}
	s.setState(Connecting)

	s.bus.SetLogLevel(s.logLevel)

	if !s.started {
		if err := s.bus.Start(); err != nil {
			s.setState(Disconnected)
			return fmt.Errorf("failed to start bus: %w", err)
		}
		s.started = true
	}

	if !s.attached {
		if err := s.bus.AttachClient(s.listener); err != nil {
			s.setState(Disconnected)
			return fmt.Errorf("failed to attach client: %w", err)
		}
		s.attached = true
	}

	drv, err := s.bus.LoadDriver(driverPath)
	if err != nil {
		s.setState(Disconnected)
		return &DriverLoadError{Path: driverPath, Err: err}
	}
	s.driver = drv
	s.setState(Connected)

	s.logger.Infof("Driver %s loaded", driverPath)
	return nil
}

// teardown disconnects the device, removes the driver, detaches the listener
// and stops the bus. Every step runs even when an earlier one fails; the
// failures are returned joined. Tearing down an idle session does nothing.
func (s *session) teardown(device string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == Disconnected && !s.started && !s.attached && s.driver == nil {
		return nil
	}

	var errs []error
	if s.driver != nil {
		if device != "" {
			if err := s.bus.DisconnectDevice(device); err != nil {
				s.logger.Warnf("Failed to disconnect %s: %v", device, err)
				errs = append(errs, fmt.Errorf("failed to disconnect device: %w", err))
			}
		}

		s.sleep(s.disconnectDelay)

		if err := s.bus.RemoveDriver(s.driver); err != nil {
			s.logger.Warnf("Failed to remove driver %s: %v", s.driver.Name(), err)
			errs = append(errs, fmt.Errorf("failed to remove driver: %w", err))
		}
		s.driver = nil
	}

	if s.attached {
		if err := s.bus.DetachClient(s.listener); err != nil {
			s.logger.Warnf("Failed to detach client: %v", err)
			errs = append(errs, fmt.Errorf("failed to detach client: %w", err))
		}
		s.attached = false
	}

	if s.started {
		if err := s.bus.Stop(); err != nil {
			s.logger.Warnf("Failed to stop bus: %v", err)
			errs = append(errs, fmt.Errorf("failed to stop bus: %w", err))
		}
		s.started = false
	}

	s.setState(Disconnected)
	s.logger.Info("Session closed")
	return errors.Join(errs...)
}

func (s *session) send(device string, req property.Request) error {
	if err := bus.Send(s.bus, device, req); err != nil {
		return fmt.Errorf("failed to change %s: %w", req.Name, err)
	}
	return nil
}
