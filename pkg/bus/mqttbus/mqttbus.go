// Package mqttbus reaches a device bus runtime through an MQTT bridge. The
// bridge runs next to the bus and relays commands and events as JSON
// messages under a topic root:
//
//	<root>/commands           commands to the bus
//	<root>/responses          acknowledgments, correlated by command id
//	<root>/events/connection  device connection changes
//	<root>/events/image       captured frames
package mqttbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"skycam/pkg/bus"
	"skycam/pkg/property"
)

const (
	opSetLogLevel      = "set_log_level"
	opLoadDriver       = "load_driver"
	opRemoveDriver     = "remove_driver"
	opChangeProperty   = "change_property"
	opDisconnectDevice = "disconnect_device"

	defaultTimeout = 5 * time.Second
)

var ErrTimeout = errors.New("timeout waiting for bridge response")

type Config struct {
	Host      string `json:"host"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	TopicRoot string `json:"topic_root"`
	ClientID  string `json:"client_id"`
}

type command struct {
	ID       string    `json:"id"`
	Op       string    `json:"op"`
	Level    string    `json:"level,omitempty"`
	Driver   string    `json:"driver,omitempty"`
	Device   string    `json:"device,omitempty"`
	Property string    `json:"property,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	Items    []string  `json:"items,omitempty"`
	Numbers  []float64 `json:"numbers,omitempty"`
	Switches []bool    `json:"switches,omitempty"`
	Texts    []string  `json:"texts,omitempty"`
}

type response struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type connectionEvent struct {
	Device    string `json:"device"`
	Connected bool   `json:"connected"`
}

type imageEvent struct {
	Device string `json:"device"`
	Frame  []byte `json:"frame"`
}

type driver struct {
	name string
}

func (d *driver) Name() string { return d.name }

type Option func(*Bus)

// WithTimeout sets how long driver commands wait for the bridge.
func WithTimeout(d time.Duration) Option {
	return func(b *Bus) {
		b.timeout = d
	}
}

// WithClientFactory replaces the paho client constructor.
func WithClientFactory(fn func(*mqtt.ClientOptions) mqtt.Client) Option {
	return func(b *Bus) {
		b.newClient = fn
	}
}

// Bus implements bus.Bus over MQTT. Listener callbacks run on the paho
// message goroutine.
type Bus struct {
	cfg       Config
	logger    log.FieldLogger
	timeout   time.Duration
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu        sync.Mutex
	client    mqtt.Client
	level     bus.LogLevel
	listeners []bus.Listener
	pending   map[string]chan response
}

func New(cfg Config, logger log.FieldLogger, opts ...Option) *Bus {
	if cfg.ClientID == "" {
		cfg.ClientID = "skycam"
	}
	b := &Bus{
		cfg:       cfg,
		logger:    logger.WithField("component", "mqtt-bus"),
		timeout:   defaultTimeout,
		newClient: mqtt.NewClient,
		level:     bus.LogInfo,
		pending:   make(map[string]chan response),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) topic(name string) string {
	return b.cfg.TopicRoot + "/" + name
}

func (b *Bus) SetLogLevel(level bus.LogLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.level = level
}

// Start connects to the broker, subscribes to the bridge topics and forwards
// the requested log level.
func (b *Bus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.SetClientID(b.cfg.ClientID)
	opts.AddBroker(b.cfg.Host)
	opts.SetUsername(b.cfg.Username)
	opts.SetPassword(b.cfg.Password)

	client := b.newClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %v", token.Error())
	}

	subs := map[string]mqtt.MessageHandler{
		b.topic("responses"):         b.responseHandler,
		b.topic("events/connection"): b.connectionHandler,
		b.topic("events/image"):      b.imageHandler,
	}
	for topic, handler := range subs {
		if token := client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
			client.Disconnect(100)
			return fmt.Errorf("failed to subscribe to %s: %v", topic, token.Error())
		}
	}
	b.client = client

	if err := b.send(client, command{Op: opSetLogLevel, Level: b.level.String()}); err != nil {
		b.logger.Warnf("Failed to forward log level: %v", err)
	}

	b.logger.Infof("Connected to MQTT broker %s", b.cfg.Host)
	return nil
}

func (b *Bus) Stop() error {
	b.mu.Lock()
	client := b.client
	b.client = nil
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if client == nil {
		return bus.ErrNotStarted
	}

	client.Unsubscribe(b.topic("responses"), b.topic("events/connection"), b.topic("events/image"))
	client.Disconnect(250)
	b.logger.Info("Disconnected from MQTT broker")
	return nil
}

func (b *Bus) AttachClient(l bus.Listener) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client == nil {
		return bus.ErrNotStarted
	}
	b.listeners = append(b.listeners, l)
	return nil
}

func (b *Bus) DetachClient(l bus.Listener) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, cur := range b.listeners {
		if cur == l {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return nil
		}
	}
	return bus.ErrNotAttached
}

func (b *Bus) LoadDriver(path string) (bus.Driver, error) {
	if err := b.request(command{Op: opLoadDriver, Driver: path}); err != nil {
		return nil, err
	}
	return &driver{name: path}, nil
}

func (b *Bus) RemoveDriver(d bus.Driver) error {
	drv, ok := d.(*driver)
	if !ok {
		return bus.ErrDriverNotOwned
	}
	return b.request(command{Op: opRemoveDriver, Driver: drv.name})
}

func (b *Bus) DisconnectDevice(device string) error {
	return b.publish(command{Op: opDisconnectDevice, Device: device})
}

func (b *Bus) ChangeNumberProperty(device, name string, items []string, values []float64) error {
	return b.publish(command{
		Op:       opChangeProperty,
		Device:   device,
		Property: name,
		Kind:     property.KindNumber.String(),
		Items:    items,
		Numbers:  values,
	})
}

func (b *Bus) ChangeSwitchProperty(device, name string, items []string, values []bool) error {
	return b.publish(command{
		Op:       opChangeProperty,
		Device:   device,
		Property: name,
		Kind:     property.KindSwitch.String(),
		Items:    items,
		Switches: values,
	})
}

func (b *Bus) ChangeTextProperty(device, name string, items []string, values []string) error {
	return b.publish(command{
		Op:       opChangeProperty,
		Device:   device,
		Property: name,
		Kind:     property.KindText.String(),
		Items:    items,
		Texts:    values,
	})
}

func (b *Bus) currentClient() mqtt.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

// publish sends a command without waiting for the bridge to acknowledge it.
func (b *Bus) publish(cmd command) error {
	return b.send(b.currentClient(), cmd)
}

func (b *Bus) send(client mqtt.Client, cmd command) error {
	if client == nil || !client.IsConnected() {
		return bus.ErrNotStarted
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	msg, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	b.logger.Debugf("Sending command: %s", msg)

	if token := client.Publish(b.topic("commands"), 1, false, msg); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish command: %v", token.Error())
	}
	return nil
}

// request sends a command and waits for its acknowledgment.
func (b *Bus) request(cmd command) error {
	cmd.ID = uuid.NewString()
	ch := make(chan response, 1)

	b.mu.Lock()
	client := b.client
	if client == nil {
		b.mu.Unlock()
		return bus.ErrNotStarted
	}
	b.pending[cmd.ID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, cmd.ID)
		b.mu.Unlock()
	}()

	if err := b.send(client, cmd); err != nil {
		return err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return bus.ErrNotStarted
		}
		if !resp.OK {
			return fmt.Errorf("%s failed: %s", cmd.Op, resp.Error)
		}
		return nil
	case <-time.After(b.timeout):
		return fmt.Errorf("%s: %w", cmd.Op, ErrTimeout)
	}
}

func (b *Bus) responseHandler(_ mqtt.Client, msg mqtt.Message) {
	var resp response
	if err := json.Unmarshal(msg.Payload(), &resp); err != nil {
		b.logger.Errorf("Failed to unmarshal response: %v", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.pending[resp.ID]
	if !ok {
		b.logger.Debugf("Response to unknown command %s", resp.ID)
		return
	}
	delete(b.pending, resp.ID)
	ch <- resp
}

func (b *Bus) snapshotListeners() []bus.Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bus.Listener(nil), b.listeners...)
}

func (b *Bus) connectionHandler(_ mqtt.Client, msg mqtt.Message) {
	var ev connectionEvent
	if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
		b.logger.Errorf("Failed to unmarshal connection event: %v", err)
		return
	}
	for _, l := range b.snapshotListeners() {
		l.DeviceConnected(ev.Device, ev.Connected)
	}
}

func (b *Bus) imageHandler(_ mqtt.Client, msg mqtt.Message) {
	var ev imageEvent
	if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
		b.logger.Errorf("Failed to unmarshal image event: %v", err)
		return
	}
	b.logger.Debugf("Frame from %s: %d bytes", ev.Device, len(ev.Frame))
	for _, l := range b.snapshotListeners() {
		l.ImageReady(ev.Device, ev.Frame)
	}
}
