// Package simulator is an in-process device bus runtime with a simulated CCD.
// Like a real bus it runs its own event goroutine: listener callbacks are
// never invoked from the caller's goroutine.
package simulator

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"skycam/pkg/bus"
	"skycam/pkg/fits"
	"skycam/pkg/property"
)

const (
	DefaultDriver = "indigo_ccd_simulator"
	DefaultDevice = "CCD Imager Simulator"

	defaultWidth  = 64
	defaultHeight = 48
	eventQueueLen = 64
)

type driver struct {
	name    string
	devices []string
}

func (d *driver) Name() string { return d.name }

type device struct {
	name      string
	connected bool
	gain      float64
	mode      string
	texts     map[string]string
	exposure  *time.Timer
}

type Option func(*Simulator)

// WithDriver registers a loadable driver exposing the given devices.
func WithDriver(path string, devices ...string) Option {
	return func(s *Simulator) {
		s.available[path] = devices
	}
}

// WithTimeScale scales simulated exposure durations. A scale of 0.001 turns
// a 2.5 s exposure into 2.5 ms.
func WithTimeScale(scale float64) Option {
	return func(s *Simulator) {
		s.timeScale = scale
	}
}

// WithFrameSize sets the simulated sensor size in pixels.
func WithFrameSize(width, height int) Option {
	return func(s *Simulator) {
		s.width = width
		s.height = height
	}
}

// Simulator implements bus.Bus.
type Simulator struct {
	logger log.FieldLogger

	mu        sync.Mutex
	level     bus.LogLevel
	available map[string][]string
	loaded    map[*driver]struct{}
	devices   map[string]*device
	listeners []bus.Listener
	timeScale float64
	width     int
	height    int

	events chan func()
	done   chan struct{}
	wg     sync.WaitGroup
}

func New(logger log.FieldLogger, opts ...Option) *Simulator {
	s := &Simulator{
		logger:    logger.WithField("component", "bus-simulator"),
		level:     bus.LogInfo,
		available: map[string][]string{DefaultDriver: {DefaultDevice}},
		loaded:    make(map[*driver]struct{}),
		devices:   make(map[string]*device),
		timeScale: 1,
		width:     defaultWidth,
		height:    defaultHeight,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Simulator) SetLogLevel(level bus.LogLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = level
	s.logger.Debugf("Log level set to %v", level)
}

// Start launches the event goroutine. Starting a started bus is a no-op.
func (s *Simulator) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.events != nil {
		return nil
	}
	s.events = make(chan func(), eventQueueLen)
	s.done = make(chan struct{})

	s.wg.Add(1)
	go s.run(s.events, s.done)

	s.logger.Info("Bus started")
	return nil
}

func (s *Simulator) run(events chan func(), done chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case fn := <-events:
			fn()
		case <-done:
			return
		}
	}
}

// Stop ends the event goroutine. Pending events are dropped.
func (s *Simulator) Stop() error {
	s.mu.Lock()
	if s.events == nil {
		s.mu.Unlock()
		return bus.ErrNotStarted
	}
	for _, dev := range s.devices {
		if dev.exposure != nil {
			dev.exposure.Stop()
		}
	}
	close(s.done)
	s.events = nil
	s.done = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Bus stopped")
	return nil
}

// post queues fn on the event goroutine. Must be called with s.mu held.
func (s *Simulator) post(fn func()) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- fn:
	default:
		s.logger.Warn("Event queue full, dropping event")
	}
}

func (s *Simulator) AttachClient(l bus.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.events == nil {
		return bus.ErrNotStarted
	}
	s.listeners = append(s.listeners, l)
	return nil
}

func (s *Simulator) DetachClient(l bus.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, cur := range s.listeners {
		if cur == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return nil
		}
	}
	return bus.ErrNotAttached
}

// LoadDriver loads a registered driver. Its devices connect as soon as the
// driver is up, and listeners are notified asynchronously.
func (s *Simulator) LoadDriver(path string) (bus.Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.events == nil {
		return nil, bus.ErrNotStarted
	}
	devices, ok := s.available[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", bus.ErrUnknownDriver, path)
	}

	drv := &driver{name: path, devices: devices}
	s.loaded[drv] = struct{}{}
	for _, name := range devices {
		s.devices[name] = &device{
			name:      name,
			connected: true,
			mode:      property.ModeItemRGB24,
			texts:     make(map[string]string),
		}
		s.notifyConnected(name, true)
	}

	s.logger.Infof("Driver %s loaded", path)
	return drv, nil
}

func (s *Simulator) RemoveDriver(d bus.Driver) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	drv, ok := d.(*driver)
	if !ok {
		return bus.ErrDriverNotOwned
	}
	if _, ok := s.loaded[drv]; !ok {
		return fmt.Errorf("%w: %s", bus.ErrUnknownDriver, drv.name)
	}

	for _, name := range drv.devices {
		if dev, ok := s.devices[name]; ok && dev.exposure != nil {
			dev.exposure.Stop()
		}
		delete(s.devices, name)
	}
	delete(s.loaded, drv)

	s.logger.Infof("Driver %s removed", drv.name)
	return nil
}

func (s *Simulator) DisconnectDevice(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[name]
	if !ok {
		return fmt.Errorf("%w: %s", bus.ErrUnknownDevice, name)
	}
	if dev.exposure != nil {
		dev.exposure.Stop()
		dev.exposure = nil
	}
	if dev.connected {
		dev.connected = false
		s.notifyConnected(name, false)
	}
	return nil
}

func (s *Simulator) notifyConnected(name string, connected bool) {
	listeners := append([]bus.Listener(nil), s.listeners...)
	s.post(func() {
		for _, l := range listeners {
			l.DeviceConnected(name, connected)
		}
	})
}

// connectedDevice must be called with s.mu held.
func (s *Simulator) connectedDevice(name string) (*device, error) {
	if s.events == nil {
		return nil, bus.ErrNotStarted
	}
	dev, ok := s.devices[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", bus.ErrUnknownDevice, name)
	}
	if !dev.connected {
		return nil, fmt.Errorf("device %s is not connected", name)
	}
	return dev, nil
}

func (s *Simulator) ChangeNumberProperty(name, prop string, items []string, values []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, err := s.connectedDevice(name)
	if err != nil {
		return err
	}

	for i, item := range items {
		switch {
		case prop == property.ExposureProperty && item == property.ExposureItem:
			s.startExposure(dev, values[i])
		case prop == property.GainProperty && item == property.GainItem:
			dev.gain = values[i]
			s.logger.Debugf("%s gain set to %v", name, dev.gain)
		default:
			return fmt.Errorf("unknown number item %s.%s", prop, item)
		}
	}
	return nil
}

func (s *Simulator) ChangeSwitchProperty(name, prop string, items []string, values []bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, err := s.connectedDevice(name)
	if err != nil {
		return err
	}
	if prop != property.ModeProperty {
		return fmt.Errorf("unknown switch property %s", prop)
	}

	for i, item := range items {
		if item != property.ModeItemRaw8 && item != property.ModeItemRGB24 {
			return fmt.Errorf("unknown %s item %q", prop, item)
		}
		if values[i] {
			dev.mode = item
			s.logger.Debugf("%s mode set to %s", name, item)
		}
	}
	return nil
}

func (s *Simulator) ChangeTextProperty(name, prop string, items []string, values []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, err := s.connectedDevice(name)
	if err != nil {
		return err
	}
	for i, item := range items {
		dev.texts[prop+"."+item] = values[i]
	}
	return nil
}

// startExposure must be called with s.mu held. A new exposure replaces the
// one in progress.
func (s *Simulator) startExposure(dev *device, seconds float64) {
	if dev.exposure != nil {
		dev.exposure.Stop()
	}

	d := time.Duration(seconds * s.timeScale * float64(time.Second))
	s.logger.Debugf("%s exposing for %v", dev.name, d)

	dev.exposure = time.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if cur, ok := s.devices[dev.name]; !ok || cur != dev || !dev.connected {
			return
		}
		dev.exposure = nil

		frame, err := s.frame(dev, seconds)
		if err != nil {
			s.logger.Errorf("Failed to generate frame: %v", err)
			return
		}
		listeners := append([]bus.Listener(nil), s.listeners...)
		s.post(func() {
			for _, l := range listeners {
				l.ImageReady(dev.name, frame)
			}
			// The frame is recycled once listeners return.
			clear(frame)
		})
	})
}

func (s *Simulator) frame(dev *device, exposure float64) ([]byte, error) {
	planes := 3
	if dev.mode == property.ModeItemRaw8 {
		planes = 1
	}

	w, h := s.width, s.height
	pixels := make([]byte, w*h*planes)
	scale := 1 + dev.gain/100
	for p := 0; p < planes; p++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := float64((x+y+p*16)%256) * scale
				if v > 255 {
					v = 255
				}
				pixels[p*w*h+y*w+x] = byte(v)
			}
		}
	}

	return fits.Encode(fits.Image{
		Width:      w,
		Height:     h,
		Planes:     planes,
		Pixels:     pixels,
		Exposure:   exposure,
		Gain:       dev.gain,
		Instrument: dev.name,
		Date:       time.Now(),
	})
}

// Settings reports the gain and readout mode of a loaded device.
func (s *Simulator) Settings(name string) (gain float64, mode string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[name]
	if !ok {
		return 0, "", false
	}
	return dev.gain, dev.mode, true
}
