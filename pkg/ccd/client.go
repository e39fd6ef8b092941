// Package ccd is a client for a single image-capture device on a device bus.
//
// A Client owns one bus session: Setup starts the bus and loads a driver,
// Cleanup tears everything down again. Property changes (exposure, gain,
// readout mode) are submitted to the bus and return immediately; frames
// arrive later, from the bus goroutine, and are handed to the registered
// capture callback on the client's own dispatcher goroutine.
package ccd

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"skycam/pkg/bus"
)

// Version of the client.
const Version = "0.0.1"

type Option func(*Client)

// WithDisconnectDelay overrides DefaultDisconnectDelay.
func WithDisconnectDelay(d time.Duration) Option {
	return func(c *Client) {
		c.session.disconnectDelay = d
	}
}

// WithLogLevel sets the verbosity requested from the bus during Setup.
func WithLogLevel(level bus.LogLevel) Option {
	return func(c *Client) {
		c.session.logLevel = level
	}
}

// Client is the public surface of the device client.
type Client struct {
	logger     log.FieldLogger
	session    *session
	dispatcher *dispatcher

	mu              sync.RWMutex
	device          string
	deviceConnected bool
}

// New creates a client driving b. The caller owns the client and must
// Close it before creating another on the same bus.
func New(b bus.Bus, logger log.FieldLogger, opts ...Option) *Client {
	logger = logger.WithField("component", "ccd")

	c := &Client{
		logger:     logger,
		dispatcher: newDispatcher(logger),
	}
	c.session = &session{
		bus:             b,
		listener:        &listener{c: c},
		logger:          logger,
		logLevel:        bus.LogInfo,
		disconnectDelay: DefaultDisconnectDelay,
		sleep:           time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var (
	sharedMu sync.Mutex
	shared   *Client
)

// Shared returns a process-wide client for embedders that never reconfigure
// the bus. It is created on first use; later calls ignore their arguments.
func Shared(b bus.Bus, logger log.FieldLogger, opts ...Option) *Client {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if shared == nil {
		shared = New(b, logger, opts...)
	}
	return shared
}

func (c *Client) Version() string {
	return Version
}

// SetDeviceName selects the device targeted by capture commands.
func (c *Client) SetDeviceName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.device != name {
		c.deviceConnected = false
	}
	c.device = name
}

func (c *Client) DeviceName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.device
}

// IsDeviceConnected reports whether the bus announced the current device as
// connected.
func (c *Client) IsDeviceConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceConnected
}

func (c *Client) State() State {
	return c.session.State()
}

// Setup starts the bus and loads the driver at driverPath. A driver that
// fails to load is reported as a *DriverLoadError.
func (c *Client) Setup(driverPath string) error {
	return c.session.setup(driverPath)
}

// Cleanup disconnects the current device and shuts the bus down. It blocks
// for the disconnect delay. Calling it on a closed session is a no-op.
func (c *Client) Cleanup() error {
	err := c.session.teardown(c.DeviceName())

	c.mu.Lock()
	c.deviceConnected = false
	c.mu.Unlock()

	return err
}

// RegisterCaptureCallback replaces the capture callback.
func (c *Client) RegisterCaptureCallback(fn CaptureFunc) error {
	if fn == nil {
		return ErrNotCallable
	}
	c.dispatcher.register(fn)
	return nil
}

// ClearCaptureCallback removes the capture callback. Frames arriving
// afterwards are dropped.
func (c *Client) ClearCaptureCallback() {
	c.dispatcher.register(nil)
}

// Close cleans the session up and stops the dispatcher.
func (c *Client) Close() error {
	err := c.Cleanup()
	c.dispatcher.close()
	return err
}

// listener receives bus events. Its methods run on the bus goroutine.
type listener struct {
	c *Client
}

func (l *listener) DeviceConnected(device string, connected bool) {
	c := l.c

	c.mu.Lock()
	if device == c.device {
		c.deviceConnected = connected
	}
	c.mu.Unlock()

	c.logger.Infof("Device %s connected: %v", device, connected)
}

func (l *listener) ImageReady(device string, frame []byte) {
	if name := l.c.DeviceName(); name != "" && device != name {
		l.c.logger.Debugf("Ignoring frame from %s", device)
		return
	}
	l.c.dispatcher.imageReady(frame)
}

// IsDriverLoadError reports whether err is a driver load failure.
func IsDriverLoadError(err error) bool {
	var target *DriverLoadError
	return errors.As(err, &target)
}
