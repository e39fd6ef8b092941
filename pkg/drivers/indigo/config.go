package indigo

import (
	"fmt"
	"time"

	"skycam/pkg/bus"
	"skycam/pkg/bus/mqttbus"
	"skycam/pkg/camera"
)

// Bus runtimes a camera can be reached through.
const (
	BusSimulator = "simulator"
	BusMQTT      = "mqtt"
)

// Config is the persisted camera configuration.
type Config struct {
	Bus             string         `json:"bus"`
	Driver          string         `json:"driver"`
	Device          string         `json:"device"`
	LogLevel        string         `json:"log_level"`
	DisconnectDelay float64        `json:"disconnect_delay"`
	ConnectTimeout  float64        `json:"connect_timeout"`
	MQTT            mqttbus.Config `json:"mqtt"`
}

var defaultConfig = Config{
	Bus:             BusSimulator,
	Driver:          camera.SimulatorProfile.Driver,
	Device:          camera.SimulatorProfile.Device,
	LogLevel:        bus.LogInfo.String(),
	DisconnectDelay: 1,
	ConnectTimeout:  5,
	MQTT: mqttbus.Config{
		Host:      "tcp://localhost:1883",
		TopicRoot: "indigo",
	},
}

// DefaultConfig returns the configuration stored on first use.
func DefaultConfig() Config {
	return defaultConfig
}

// WithProfile returns cfg with the driver and device of p.
func (cfg Config) WithProfile(p camera.Profile) Config {
	cfg.Driver = p.Driver
	cfg.Device = p.Device
	return cfg
}

func (cfg Config) Validate() error {
	switch cfg.Bus {
	case BusSimulator:
	case BusMQTT:
		if cfg.MQTT.Host == "" {
			return fmt.Errorf("mqtt host cannot be empty")
		}
		if cfg.MQTT.TopicRoot == "" {
			return fmt.Errorf("mqtt topic root cannot be empty")
		}
	default:
		return fmt.Errorf("bus must be %q or %q, got %q", BusSimulator, BusMQTT, cfg.Bus)
	}

	if cfg.Driver == "" {
		return fmt.Errorf("driver cannot be empty")
	}
	if cfg.Device == "" {
		return fmt.Errorf("device cannot be empty")
	}
	if _, err := bus.ParseLogLevel(cfg.LogLevel); err != nil {
		return err
	}
	if cfg.DisconnectDelay < 0 {
		return fmt.Errorf("invalid disconnect delay: %v", cfg.DisconnectDelay)
	}
	if cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("invalid connect timeout: %v", cfg.ConnectTimeout)
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
