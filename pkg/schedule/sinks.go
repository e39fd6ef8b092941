package schedule

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"skycam/pkg/fits"
)

// ShotMetadata describes the latest preview.
type ShotMetadata struct {
	fits.Metadata
	ShotDatetime string  `json:"shot_datetime"`
	Period       float64 `json:"period"`
}

// Latest keeps a JPEG preview of the most recent frame of a shot type.
type Latest struct {
	now func() time.Time

	mu      sync.RWMutex
	preview []byte
	meta    ShotMetadata
	ok      bool
}

func NewLatest() *Latest {
	return &Latest{now: time.Now}
}

func (l *Latest) Consume(t ShotType, entry Entry, frame []byte) error {
	md, err := fits.ExtractMetadata(frame)
	if err != nil {
		return fmt.Errorf("failed to read frame metadata: %w", err)
	}
	preview, err := fits.EncodeJPEG(frame)
	if err != nil {
		return fmt.Errorf("failed to render preview: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.preview = preview
	l.meta = ShotMetadata{
		Metadata:     md,
		ShotDatetime: l.now().Format(time.RFC3339),
		Period:       entry.Period,
	}
	l.ok = true
	return nil
}

// Shot returns the latest JPEG preview and its metadata. ok is false until
// the first frame arrives.
func (l *Latest) Shot() (preview []byte, meta ShotMetadata, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.preview, l.meta, l.ok
}

// Disk writes frames as timestamped FITS files.
type Disk struct {
	dir    string
	logger log.FieldLogger
	now    func() time.Time
}

// NewDisk creates dir if needed.
func NewDisk(dir string, logger log.FieldLogger) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create images directory: %v", err)
	}
	return &Disk{
		dir:    dir,
		logger: logger.WithField("component", "disk-sink"),
		now:    time.Now,
	}, nil
}

func (d *Disk) Consume(t ShotType, entry Entry, frame []byte) error {
	path := filepath.Join(d.dir, ImageName("image", "fits", d.now()))
	d.logger.Debugf("Saving FITS image to %s", path)
	return os.WriteFile(path, frame, 0o644)
}

// ImageName builds names like image_2020_10_15_19_21_39.fits from a UTC
// timestamp.
func ImageName(prefix, ext string, at time.Time) string {
	return fmt.Sprintf("%s_%s.%s", prefix, at.UTC().Format("2006_01_02_15_04_05"), ext)
}

// LogSink only logs that a frame arrived.
func LogSink(logger log.FieldLogger) Sink {
	return SinkFunc(func(t ShotType, entry Entry, frame []byte) error {
		logger.Debugf("%s frame received: %d bytes", t, len(frame))
		return nil
	})
}
