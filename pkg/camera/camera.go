// Package camera wraps a ccd client with the bookkeeping needed to use it
// as a camera: at most one exposure in flight, waiting for it to finish, and
// blocking captures for callers that want the frame back.
package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"skycam/pkg/ccd"
	"skycam/pkg/property"
)

var (
	ErrNotConnected = errors.New("camera is not connected")
	ErrBusy         = errors.New("camera is already exposing")
)

// DefaultSettleDelay lets the device accept a new gain before the exposure
// starts.
const DefaultSettleDelay = 100 * time.Millisecond

// Client is the part of *ccd.Client used by the camera.
type Client interface {
	IsDeviceConnected() bool
	RegisterCaptureCallback(fn ccd.CaptureFunc) error
	TakeShot(exposure float64) error
	SetGain(gain float64) error
	SetMode(mode int) error
}

// Shot describes one exposure.
type Shot struct {
	Exposure float64
	Gain     float64
	Mode     property.Mode
}

type Option func(*Camera)

func WithSettleDelay(d time.Duration) Option {
	return func(c *Camera) {
		c.settle = d
	}
}

type Camera struct {
	client Client
	logger log.FieldLogger
	settle time.Duration

	captureMu sync.Mutex

	mu       sync.Mutex
	exposing bool
	idle     chan struct{}
	// gen identifies the exposure in flight. stale counts frames still owed
	// by exposures that were abandoned before their frame arrived.
	gen   uint64
	stale int
}

func New(client Client, logger log.FieldLogger, opts ...Option) *Camera {
	c := &Camera{
		client: client,
		logger: logger.WithField("component", "camera"),
		settle: DefaultSettleDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Exposing reports whether an exposure is in flight.
func (c *Camera) Exposing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exposing
}

func (c *Camera) begin() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exposing {
		return 0, false
	}
	c.gen++
	c.exposing = true
	c.idle = make(chan struct{})
	return c.gen, true
}

// finish ends exposure gen if it is still the one in flight.
func (c *Camera) finish(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishLocked(gen)
}

func (c *Camera) finishLocked(gen uint64) {
	if c.exposing && c.gen == gen {
		c.exposing = false
		close(c.idle)
	}
}

// claim reports whether a frame arriving for exposure gen belongs to it.
// Frames owed by abandoned exposures arrive first and are consumed here.
func (c *Camera) claim(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stale > 0 {
		c.stale--
		return false
	}
	return c.exposing && c.gen == gen
}

// abandon ends exposure gen without its frame. The device still owes that
// frame, which is dropped when it arrives.
func (c *Camera) abandon(gen uint64) {
	c.mu.Lock()
	if !c.exposing || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.stale++
	c.finishLocked(gen)
	c.mu.Unlock()

	if err := c.client.RegisterCaptureCallback(c.discard); err != nil {
		c.logger.Warnf("Failed to release capture callback: %v", err)
	}
}

func (c *Camera) discard([]byte) {
	c.mu.Lock()
	if c.stale > 0 {
		c.stale--
	}
	c.mu.Unlock()
	c.logger.Debug("Dropped frame of an abandoned exposure")
}

// reset forgets every exposure, including abandoned ones. Used once the
// device is gone and no frame can arrive.
func (c *Camera) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stale = 0
	c.finishLocked(c.gen)
}

// TakeShot sets the gain and starts an exposure whose frame is passed to fn.
// It fails with ErrNotConnected when the device is gone (clearing any stale
// exposure) and with ErrBusy while another exposure is in flight.
func (c *Camera) TakeShot(exposure, gain float64, fn ccd.CaptureFunc) error {
	_, err := c.takeShot(exposure, gain, fn)
	return err
}

func (c *Camera) takeShot(exposure, gain float64, fn ccd.CaptureFunc) (uint64, error) {
	if fn == nil {
		return 0, ccd.ErrNotCallable
	}
	if !c.client.IsDeviceConnected() {
		c.reset()
		return 0, ErrNotConnected
	}
	gen, ok := c.begin()
	if !ok {
		return 0, ErrBusy
	}

	if err := c.client.SetGain(gain); err != nil {
		c.finish(gen)
		return 0, fmt.Errorf("failed to set gain: %w", err)
	}
	if c.settle > 0 {
		time.Sleep(c.settle)
	}

	err := c.client.RegisterCaptureCallback(func(frame []byte) {
		if !c.claim(gen) {
			c.logger.Debug("Dropped frame of an abandoned exposure")
			return
		}
		defer c.finish(gen)
		fn(frame)
	})
	if err != nil {
		c.finish(gen)
		return 0, err
	}

	if err := c.client.TakeShot(exposure); err != nil {
		c.finish(gen)
		return 0, fmt.Errorf("failed to start exposure: %w", err)
	}
	c.logger.Debugf("Exposure started: %vs, gain %v", exposure, gain)
	return gen, nil
}

// WaitForExposure blocks until no exposure is in flight.
func (c *Camera) WaitForExposure(ctx context.Context) error {
	c.mu.Lock()
	if !c.exposing {
		c.mu.Unlock()
		return nil
	}
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Capture takes one shot and returns its frame. Concurrent captures are
// serialized. When ctx ends first the exposure is abandoned: the device may
// still deliver its frame, which is then discarded instead of being handed
// to a later capture.
func (c *Camera) Capture(ctx context.Context, shot Shot) ([]byte, error) {
	c.captureMu.Lock()
	defer c.captureMu.Unlock()

	if !c.client.IsDeviceConnected() {
		return nil, ErrNotConnected
	}
	if err := c.client.SetMode(int(shot.Mode)); err != nil {
		return nil, fmt.Errorf("failed to set mode: %w", err)
	}

	frames := make(chan []byte, 1)
	gen, err := c.takeShot(shot.Exposure, shot.Gain, func(frame []byte) {
		select {
		case frames <- frame:
		default:
		}
	})
	if err != nil {
		return nil, err
	}

	select {
	case frame := <-frames:
		c.finish(gen)
		return frame, nil
	case <-ctx.Done():
		c.abandon(gen)
		return nil, ctx.Err()
	}
}
