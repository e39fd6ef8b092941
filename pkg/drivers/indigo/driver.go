// Package indigo is an Alpaca camera backed by a CCD on a device bus.
package indigo

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"skycam/pkg/alpaca"
	"skycam/pkg/bus"
	"skycam/pkg/bus/mqttbus"
	"skycam/pkg/bus/simulator"
	"skycam/pkg/camera"
	"skycam/pkg/ccd"
	"skycam/pkg/property"
)

const (
	deviceName    = "Sky Camera"
	deviceType    = alpaca.CameraDevice
	driverName    = "INDIGO Camera Driver"
	driverVersion = "1.0"

	connectPoll = 10 * time.Millisecond
)

type connState int

const (
	connStateDisconnected connState = iota
	connStateConnecting
	connStateConnected
)

// BusFactory builds the bus runtime described by a configuration.
type BusFactory func(cfg Config, logger log.FieldLogger) (bus.Bus, error)

// NewBus is the default BusFactory.
func NewBus(cfg Config, logger log.FieldLogger) (bus.Bus, error) {
	switch cfg.Bus {
	case BusSimulator:
		return simulator.New(logger, simulator.WithDriver(cfg.Driver, cfg.Device)), nil
	case BusMQTT:
		return mqttbus.New(cfg.MQTT, logger), nil
	default:
		return nil, fmt.Errorf("unknown bus %q", cfg.Bus)
	}
}

type Option func(*Driver)

func WithBusFactory(fn BusFactory) Option {
	return func(d *Driver) {
		d.newBus = fn
	}
}

func WithCameraOptions(opts ...camera.Option) Option {
	return func(d *Driver) {
		d.cameraOpts = opts
	}
}

// Driver represents the camera Alpaca driver.
type Driver struct {
	number     int                // Driver number
	store      *store             // Configuration store
	tmpl       *template.Template // HTML template for rendering the setup form
	logger     log.FieldLogger
	newBus     BusFactory
	cameraOpts []camera.Option

	mu    sync.Mutex
	state connState // Connection state
	gain  float64
	mode  property.Mode

	// The client and the camera are created when the driver is connected
	client *ccd.Client
	cam    *camera.Camera

	image        []byte
	lastExposure float64
	exposed      bool
}

func NewDriver(number int, db *bolt.DB, tmpl *template.Template, logger log.FieldLogger, opts ...Option) (*Driver, error) {
	store, err := NewStore(db, number)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %v", err)
	}

	driver := Driver{
		number: number,
		store:  store,
		tmpl:   tmpl,
		logger: logger,
		newBus: NewBus,
		state:  connStateDisconnected,
		mode:   property.DefaultMode,
	}
	for _, opt := range opts {
		opt(&driver)
	}

	return &driver, nil
}

// Config returns the stored camera configuration.
func (d *Driver) Config() (Config, error) {
	return d.store.GetConfig()
}

// SetConfig stores a new configuration. It applies on the next Connect.
func (d *Driver) SetConfig(cfg Config) error {
	return d.store.SetConfig(cfg)
}

func (d *Driver) Close() {
	d.logger.Info("Closing camera driver")

	if d.Connected() {
		if err := d.Disconnect(); err != nil {
			d.logger.Errorf("failed to disconnect: %v", err)
		}
	}
}

func (d *Driver) Connect() error {
	cfg, err := d.store.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to get camera config: %v", err)
	}

	d.mu.Lock()
	if d.state != connStateDisconnected {
		d.mu.Unlock()
		return fmt.Errorf("%w: driver is already connected", alpaca.ErrInvalidOperation)
	}
	d.state = connStateConnecting
	d.mu.Unlock()

	client, cam, err := d.open(cfg)

	d.mu.Lock()
	defer d.mu.Unlock()

	if err != nil {
		d.state = connStateDisconnected
		return err
	}
	d.client = client
	d.cam = cam
	d.state = connStateConnected

	d.logger.Infof("Connected to %s on %s bus", cfg.Device, cfg.Bus)
	return nil
}

// open sets a client up and waits for the device to come online.
func (d *Driver) open(cfg Config) (*ccd.Client, *camera.Camera, error) {
	b, err := d.newBus(cfg, d.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create bus: %v", err)
	}

	level, err := bus.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		d.logger.Warnf("Invalid log level, using %v: %v", level, err)
	}

	client := ccd.New(b, d.logger,
		ccd.WithLogLevel(level),
		ccd.WithDisconnectDelay(seconds(cfg.DisconnectDelay)),
	)
	client.SetDeviceName(cfg.Device)

	if err := client.Setup(cfg.Driver); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to set up bus session: %w", err)
	}

	if err := waitConnected(client, seconds(cfg.ConnectTimeout)); err != nil {
		client.Close()
		return nil, nil, err
	}

	d.mu.Lock()
	gain, mode := d.gain, d.mode
	d.mu.Unlock()

	if err := client.SetGain(gain); err != nil {
		d.logger.Warnf("Failed to restore gain: %v", err)
	}
	if err := client.SetMode(int(mode)); err != nil {
		d.logger.Warnf("Failed to restore readout mode: %v", err)
	}

	return client, camera.New(client, d.logger, d.cameraOpts...), nil
}

func waitConnected(client *ccd.Client, timeout time.Duration) error {
	ticker := time.NewTicker(connectPoll)
	defer ticker.Stop()
	deadline := time.After(timeout)

	for !client.IsDeviceConnected() {
		select {
		case <-ticker.C:
		case <-deadline:
			return fmt.Errorf("device %s did not connect within %v", client.DeviceName(), timeout)
		}
	}
	return nil
}

// Disconnect tears the bus session down. It blocks for the configured
// disconnect delay.
func (d *Driver) Disconnect() error {
	d.mu.Lock()
	if d.state != connStateConnected {
		d.mu.Unlock()
		return alpaca.ErrNotConnected
	}
	client := d.client
	d.client = nil
	d.cam = nil
	d.image = nil
	d.state = connStateDisconnected
	d.mu.Unlock()

	if err := client.Close(); err != nil {
		d.logger.Warnf("Errors while closing bus session: %v", err)
	}
	d.logger.Info("Disconnected from bus")
	return nil
}

func (d *Driver) Connecting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == connStateConnecting
}

func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == connStateConnected
}

func (d *Driver) GetState() []alpaca.StateProperty {
	props := []alpaca.StateProperty{alpaca.TimeStamp()}

	if d.Connected() {
		props = append(props,
			alpaca.StateProperty{Name: "CameraState", Value: d.State()},
			alpaca.StateProperty{Name: "ImageReady", Value: d.ImageReady()},
		)
	}
	return props
}

func (d *Driver) DeviceInfo() alpaca.DeviceInfo {
	info := alpaca.DeviceInfo{
		Name:     deviceName,
		Type:     deviceType,
		Number:   d.number,
		UniqueID: d.store.UniqueID(),
	}
	if cfg, err := d.store.GetConfig(); err == nil {
		info.Description = fmt.Sprintf("%s (%s)", cfg.Device, cfg.Driver)
	}
	return info
}

func (d *Driver) DriverInfo() alpaca.DriverInfo {
	return alpaca.DriverInfo{
		Name:             driverName,
		Version:          driverVersion,
		InterfaceVersion: 3,
	}
}

func (d *Driver) connected() (*ccd.Client, *camera.Camera, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != connStateConnected {
		return nil, nil, alpaca.ErrNotConnected
	}
	return d.client, d.cam, nil
}

// StartExposure starts an exposure with the current gain and readout mode.
func (d *Driver) StartExposure(duration float64) error {
	client, cam, err := d.connected()
	if err != nil {
		return err
	}

	d.mu.Lock()
	gain, mode := d.gain, d.mode
	d.mu.Unlock()

	if cam.Exposing() {
		return fmt.Errorf("%w: %v", alpaca.ErrInvalidOperation, camera.ErrBusy)
	}
	if err := client.SetMode(int(mode)); err != nil {
		return err
	}

	d.mu.Lock()
	d.image = nil
	d.mu.Unlock()

	err = cam.TakeShot(duration, gain, func(frame []byte) {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.image = frame
		d.lastExposure = duration
		d.exposed = true
	})
	return exposureError(err)
}

func exposureError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, camera.ErrBusy):
		return fmt.Errorf("%w: %v", alpaca.ErrInvalidOperation, err)
	case errors.Is(err, camera.ErrNotConnected):
		return fmt.Errorf("%w: %v", alpaca.ErrNotConnected, err)
	case errors.Is(err, ccd.ErrInvalidArgument):
		return fmt.Errorf("%w: %v", alpaca.ErrInvalidValue, err)
	default:
		return err
	}
}

func (d *Driver) ImageReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.image != nil
}

func (d *Driver) State() alpaca.CameraState {
	_, cam, err := d.connected()
	switch {
	case err != nil:
		return alpaca.CameraIdle
	case cam.Exposing():
		return alpaca.CameraExposing
	default:
		return alpaca.CameraIdle
	}
}

func (d *Driver) Image() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.image == nil {
		return nil, alpaca.ErrValueNotSet
	}
	return d.image, nil
}

func (d *Driver) LastExposureDuration() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.exposed {
		return 0, alpaca.ErrValueNotSet
	}
	return d.lastExposure, nil
}

func (d *Driver) Gain() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gain
}

func (d *Driver) SetGain(gain float64) error {
	client, _, err := d.connected()
	if err != nil {
		return err
	}
	if err := client.SetGain(gain); err != nil {
		return exposureError(err)
	}

	d.mu.Lock()
	d.gain = gain
	d.mu.Unlock()
	return nil
}

func (d *Driver) ReadoutMode() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int(d.mode)
}

func (d *Driver) ReadoutModes() []string {
	return property.Modes()
}

func (d *Driver) SetReadoutMode(mode int) error {
	client, _, err := d.connected()
	if err != nil {
		return err
	}
	if err := client.SetMode(mode); err != nil {
		return err
	}

	d.mu.Lock()
	d.mode = property.Mode(mode)
	d.mu.Unlock()
	return nil
}

// Capture takes a blocking shot for the scheduler.
func (d *Driver) Capture(ctx context.Context, shot camera.Shot) ([]byte, error) {
	_, cam, err := d.connected()
	if err != nil {
		return nil, camera.ErrNotConnected
	}
	return cam.Capture(ctx, shot)
}

func (d *Driver) HandleSetup(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := d.store.GetConfig()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		d.renderSetupForm(w, cfg, false, "")

	case http.MethodPost:
		cfg, err := parseCameraSetupForm(r)
		if err != nil {
			d.renderSetupForm(w, cfg, false, err.Error())
			return
		}

		d.logger.Infof("Setting camera config: %+v", cfg)
		if err := d.store.SetConfig(cfg); err != nil {
			d.renderSetupForm(w, cfg, false, err.Error())
			return
		}

		d.renderSetupForm(w, cfg, true, "")

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (d *Driver) renderSetupForm(w http.ResponseWriter, cfg Config, success bool, err string) {
	data := struct {
		Config
		Profiles  []camera.Profile
		LogLevels []string
		Success   bool
		Error     string
	}{
		Config:    cfg,
		Profiles:  []camera.Profile{camera.SimulatorProfile, camera.RealProfile},
		LogLevels: logLevels(),
		Success:   success,
		Error:     err,
	}

	if err := d.tmpl.ExecuteTemplate(w, "camera_setup.html", data); err != nil {
		http.Error(w, "Error rendering template", http.StatusInternalServerError)
		d.logger.Errorf("Error rendering template: %v", err)
	}
}

func logLevels() []string {
	var levels []string
	for l := bus.LogPlain; l <= bus.LogTrace; l++ {
		levels = append(levels, l.String())
	}
	return levels
}

// parseCameraSetupForm reads the setup form. A profile, when selected,
// overrides the driver and device fields.
func parseCameraSetupForm(r *http.Request) (Config, error) {
	if err := r.ParseForm(); err != nil {
		return Config{}, fmt.Errorf("error parsing form: %v", err)
	}

	cfg := defaultConfig
	cfg.Bus = r.FormValue("bus")
	cfg.Driver = strings.TrimSpace(r.FormValue("driver"))
	cfg.Device = strings.TrimSpace(r.FormValue("device"))
	cfg.LogLevel = r.FormValue("log-level")

	cfg.MQTT.Host = r.FormValue("mqtt-host")
	cfg.MQTT.Username = r.FormValue("mqtt-username")
	cfg.MQTT.Password = r.FormValue("mqtt-password")
	cfg.MQTT.TopicRoot = r.FormValue("mqtt-topic-root")

	var err error
	if cfg.DisconnectDelay, err = strconv.ParseFloat(r.FormValue("disconnect-delay"), 64); err != nil {
		return cfg, fmt.Errorf("invalid disconnect delay: %q", r.FormValue("disconnect-delay"))
	}
	if cfg.ConnectTimeout, err = strconv.ParseFloat(r.FormValue("connect-timeout"), 64); err != nil {
		return cfg, fmt.Errorf("invalid connect timeout: %q", r.FormValue("connect-timeout"))
	}

	if name := r.FormValue("profile"); name != "" {
		p, err := camera.ProfileByName(name)
		if err != nil {
			return cfg, err
		}
		cfg = cfg.WithProfile(p)
	}

	return cfg, cfg.Validate()
}
