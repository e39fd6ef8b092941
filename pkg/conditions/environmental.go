package conditions

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/goburrow/serial"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultControllerAddress = "/dev/ttyACM0"
	DefaultControllerBaud    = 9600

	logicalUnit = "logical"
)

// Measurement is one reading of the environmental controller.
type Measurement struct {
	Name  string
	Value string
	Unit  string
}

func (m Measurement) String() string {
	return fmt.Sprintf("%s, %s = %s", m.Name, m.Unit, m.Value)
}

// MeasurementSet is one line of controller output.
type MeasurementSet struct {
	Measurements []Measurement
	Timestamp    time.Time
}

// Values maps measurement names to their values.
func (ms MeasurementSet) Values() map[string]string {
	values := make(map[string]string, len(ms.Measurements))
	for _, m := range ms.Measurements {
		values[m.Name] = m.Value
	}
	return values
}

var measurementNames = map[string]string{
	"Window T":    "window_temperature",
	"Win.heat. P": "window_heating_power",
	"Camera T":    "camera_temperature",
	"Cam.heat. P": "camera_heating_power",
	"Fan":         "fan_is_on",
	"Arduino T":   "arduino_temperature",
	"Ext. T":      "external_temperature",
	"Hum.":        "external_humidity",
}

// ParseMeasurementSet parses a controller line such as
//
//	Window T=3.25°C, Win.heat. P=1.20W, Fan off, Hum.=45%
//
// Parts that are neither "name=value" nor "name state" are skipped.
func ParseMeasurementSet(line string, at time.Time) MeasurementSet {
	ms := MeasurementSet{Timestamp: at}

	for _, part := range strings.Split(line, ",") {
		part = strings.TrimSpace(part)

		var name, value string
		if n, v, ok := strings.Cut(part, "="); ok && !strings.Contains(v, "=") {
			name, value = n, v
		} else if fields := strings.Split(part, " "); len(fields) == 2 {
			// Switches are reported as "Fan on" or "Fan off".
			name, value = fields[0], "0"
			if fields[1] == "on" {
				value = "1"
			}
		} else {
			continue
		}

		if mapped, ok := measurementNames[name]; ok {
			name = mapped
		}
		ms.Measurements = append(ms.Measurements, splitValue(name, strings.TrimSpace(value)))
	}
	return ms
}

// splitValue separates the leading number of value from its unit.
func splitValue(name, value string) Measurement {
	i := strings.IndexFunc(value, func(r rune) bool {
		return r != '-' && r != '.' && !unicode.IsDigit(r)
	})
	if i < 0 {
		return Measurement{Name: name, Value: value, Unit: logicalUnit}
	}
	return Measurement{Name: name, Value: value[:i], Unit: value[i:]}
}

type ControllerOption func(*Controller)

// WithPortOpener replaces the serial port, mostly for tests.
func WithPortOpener(fn func() (io.ReadCloser, error)) ControllerOption {
	return func(c *Controller) {
		c.open = fn
	}
}

func WithRetryInterval(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.retry = d
	}
}

// Controller reads measurement lines from the environmental controller
// attached to a serial port and keeps the latest set.
type Controller struct {
	address string
	open    func() (io.ReadCloser, error)
	retry   time.Duration
	logger  log.FieldLogger
	now     func() time.Time

	mu      sync.RWMutex
	current *MeasurementSet
}

func NewController(cfg serial.Config, logger log.FieldLogger, opts ...ControllerOption) *Controller {
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}

	c := &Controller{
		address: cfg.Address,
		open: func() (io.ReadCloser, error) {
			return serial.Open(&cfg)
		},
		retry:  5 * time.Second,
		logger: logger.WithField("component", "environment"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Current returns the latest measurements. ok is false before the first
// line and while the controller is unreachable.
func (c *Controller) Current() (ms MeasurementSet, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.current == nil {
		return MeasurementSet{}, false
	}
	return *c.current, true
}

func (c *Controller) set(ms *MeasurementSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = ms
}

// Run reads the controller until ctx ends, reopening the port after
// failures. Measurements are dropped while the port is down.
func (c *Controller) Run(ctx context.Context) error {
	for {
		if err := c.session(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warnf("Environmental controller unavailable: %v", err)
		}
		c.set(nil)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.retry):
		}
	}
}

func (c *Controller) session(ctx context.Context) error {
	port, err := c.open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", c.address, err)
	}
	defer port.Close()

	c.logger.Infof("Reading environmental controller on %s", c.address)

	r := bufio.NewReader(port)
	var line []byte
	for ctx.Err() == nil {
		chunk, err := r.ReadBytes('\n')
		line = append(line, chunk...)

		switch {
		case err == nil:
			ms := ParseMeasurementSet(string(line), c.now().UTC())
			c.logger.Debugf("Measurements: %v", ms.Measurements)
			c.set(&ms)
			line = line[:0]
		case errors.Is(err, serial.ErrTimeout):
		default:
			return err
		}
	}
	return nil
}
