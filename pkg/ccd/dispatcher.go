package ccd

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// CaptureFunc consumes a captured frame. The frame belongs to the callee.
type CaptureFunc func(frame []byte)

// dispatcher hands frames from the bus goroutine to the registered callback.
// Frames are copied into a single-slot mailbox drained by the dispatcher's
// own goroutine; a frame not yet delivered is replaced by a newer one.
type dispatcher struct {
	logger log.FieldLogger

	mu       sync.Mutex
	callback CaptureFunc

	mailbox chan []byte
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func newDispatcher(logger log.FieldLogger) *dispatcher {
	d := &dispatcher{
		logger:  logger,
		mailbox: make(chan []byte, 1),
		done:    make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()
	return d
}

func (d *dispatcher) register(fn CaptureFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callback = fn
}

func (d *dispatcher) current() CaptureFunc {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.callback
}

func (d *dispatcher) registered() bool {
	return d.current() != nil
}

// imageReady is called from the bus goroutine. It never blocks.
func (d *dispatcher) imageReady(frame []byte) {
	if !d.registered() {
		d.logger.Debug("No capture callback registered, dropping frame")
		return
	}

	msg := append([]byte(nil), frame...)
	for {
		select {
		case d.mailbox <- msg:
			return
		default:
		}

		select {
		case <-d.mailbox:
			d.logger.Warn("Undelivered frame replaced by a newer one")
		default:
		}
	}
}

func (d *dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case frame := <-d.mailbox:
			d.deliver(frame)
		case <-d.done:
			return
		}
	}
}

func (d *dispatcher) deliver(frame []byte) {
	fn := d.current()
	if fn == nil {
		d.logger.Debug("Capture callback cleared, dropping frame")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf("Capture callback panicked: %v", r)
		}
	}()
	fn(frame)
}

// close stops the dispatcher goroutine, waiting for a delivery in progress.
func (d *dispatcher) close() {
	d.once.Do(func() {
		close(d.done)
	})
	d.wg.Wait()
}
