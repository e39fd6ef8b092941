// Package schedule takes periodic shots according to a YAML schedule file
// and hands the frames to sinks, one sink per shot type.
package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"skycam/pkg/camera"
)

const (
	// DefaultRecheckInterval is the shortest pause between two iterations of
	// a shot loop.
	DefaultRecheckInterval = 3 * time.Second
	// DefaultCaptureMargin is added to the exposure time to bound a capture.
	DefaultCaptureMargin = 30 * time.Second
)

// Capturer takes a shot and returns its frame.
type Capturer interface {
	Capture(ctx context.Context, shot camera.Shot) ([]byte, error)
}

// Sink consumes the frames of a shot type.
type Sink interface {
	Consume(t ShotType, entry Entry, frame []byte) error
}

type SinkFunc func(t ShotType, entry Entry, frame []byte) error

func (f SinkFunc) Consume(t ShotType, entry Entry, frame []byte) error {
	return f(t, entry, frame)
}

// Gate reports whether conditions currently allow a shot type.
type Gate func() bool

type Option func(*Scheduler)

func WithRecheckInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.recheck = d
	}
}

func WithCaptureMargin(d time.Duration) Option {
	return func(s *Scheduler) {
		s.margin = d
	}
}

type Scheduler struct {
	cam    Capturer
	store  *Store
	logger log.FieldLogger
	recheck  time.Duration
	margin time.Duration
	routes map[ShotType]route
}

type route struct {
	sink  Sink
	gates []Gate
}

func New(cam Capturer, store *Store, logger log.FieldLogger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cam:    cam,
		store:  store,
		logger: logger.WithField("component", "scheduler"),
		recheck:  DefaultRecheckInterval,
		margin: DefaultCaptureMargin,
		routes: make(map[ShotType]route),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle routes the frames of shot type t to sink. Shots are only taken
// while every gate allows them, unless the entry sets Override. Must be
// called before Run.
func (s *Scheduler) Handle(t ShotType, sink Sink, gates ...Gate) {
	s.routes[t] = route{sink: sink, gates: gates}
}

// Run drives one shot loop per handled shot type until ctx ends. The
// camera serializes the captures of concurrent loops.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for t, r := range s.routes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, t, r)
		}()
	}
	wg.Wait()
	s.logger.Debug("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, t ShotType, r route) {
	logger := s.logger.WithField("shot", t)
	logger.Debug("Shot loop started")

	for {
		entry, ok := s.store.Entry(t)
		shot := ok && entry.Enabled && r.allows(entry, logger)

		var took time.Duration
		if shot {
			start := time.Now()
			s.shoot(ctx, logger, t, entry, r.sink)
			took = time.Since(start)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(nextDelay(entry, shot, took, s.recheck)):
		}
	}
}

func (r route) allows(entry Entry, logger log.FieldLogger) bool {
	if entry.Override {
		return true
	}
	for _, gate := range r.gates {
		if !gate() {
			logger.Debug("Observation conditions do not allow the shot")
			return false
		}
	}
	return true
}

// nextDelay is the pause after an iteration: what remains of the period
// once a shot is taken, never less than recheck.
func nextDelay(entry Entry, shot bool, took, recheck time.Duration) time.Duration {
	if !shot {
		return recheck
	}
	period := time.Duration(entry.Period * float64(time.Second))
	return max(period-took, recheck)
}

func (s *Scheduler) shoot(ctx context.Context, logger log.FieldLogger, t ShotType, entry Entry, sink Sink) {
	timeout := time.Duration(entry.Exposure*float64(time.Second)) + s.margin
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	frame, err := s.cam.Capture(ctx, entry.Shot())
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, camera.ErrNotConnected):
		logger.Warn("Camera is not connected, skipping shot")
		return
	default:
		logger.Errorf("Failed to take shot: %v", err)
		return
	}

	if err := sink.Consume(t, entry, frame); err != nil {
		logger.Errorf("Failed to handle frame: %v", err)
	}
}
