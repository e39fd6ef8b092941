package ccd

import (
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"

	"skycam/pkg/bus"
)

type fakeDriver string

func (d fakeDriver) Name() string { return string(d) }

// fakeBus records every primitive called by the client.
type fakeBus struct {
	mu       sync.Mutex
	calls    []string
	listener bus.Listener

	loadErr       error
	disconnectErr error
	sendErr       error
}

func (b *fakeBus) record(format string, args ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, fmt.Sprintf(format, args...))
}

func (b *fakeBus) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBus) Last() string {
	calls := b.Calls()
	if len(calls) == 0 {
		return ""
	}
	return calls[len(calls)-1]
}

func (b *fakeBus) SetLogLevel(level bus.LogLevel) { b.record("loglevel %v", level) }
func (b *fakeBus) Start() error                   { b.record("start"); return nil }
func (b *fakeBus) Stop() error                    { b.record("stop"); return nil }

func (b *fakeBus) AttachClient(l bus.Listener) error {
	b.record("attach")
	b.mu.Lock()
	b.listener = l
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) DetachClient(l bus.Listener) error {
	b.record("detach")
	b.mu.Lock()
	b.listener = nil
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) LoadDriver(path string) (bus.Driver, error) {
	b.record("load %s", path)
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	return fakeDriver(path), nil
}

func (b *fakeBus) RemoveDriver(d bus.Driver) error {
	b.record("remove %s", d.Name())
	return nil
}

func (b *fakeBus) DisconnectDevice(device string) error {
	b.record("disconnect %s", device)
	return b.disconnectErr
}

func (b *fakeBus) ChangeNumberProperty(device, name string, items []string, values []float64) error {
	b.record("number %s %s %v %v", device, name, items, values)
	return b.sendErr
}

func (b *fakeBus) ChangeSwitchProperty(device, name string, items []string, values []bool) error {
	b.record("switch %s %s %v %v", device, name, items, values)
	return b.sendErr
}

func (b *fakeBus) ChangeTextProperty(device, name string, items []string, values []string) error {
	b.record("text %s %s %v %v", device, name, items, values)
	return b.sendErr
}

// emitImage delivers a frame from a goroutine standing in for the bus
// runtime and waits for the listener to return.
func (b *fakeBus) emitImage(device string, frame []byte) {
	b.mu.Lock()
	l := b.listener
	b.mu.Unlock()
	if l == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.ImageReady(device, frame)
	}()
	<-done
}

func (b *fakeBus) emitConnected(device string, connected bool) {
	b.mu.Lock()
	l := b.listener
	b.mu.Unlock()
	if l != nil {
		l.DeviceConnected(device, connected)
	}
}

func testLogger() log.FieldLogger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}
