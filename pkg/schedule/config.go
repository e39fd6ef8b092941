package schedule

import (
	"fmt"
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"skycam/pkg/camera"
	"skycam/pkg/property"
)

// ShotType names a family of periodic shots in the schedule file.
type ShotType string

const (
	Preview    ShotType = "preview"
	SaveToDisk ShotType = "savetodisk"
	Testing    ShotType = "testing"
)

// ShotTypes lists the valid shot types in file order.
func ShotTypes() []ShotType {
	return []ShotType{Preview, SaveToDisk, Testing}
}

func validShotType(name string) bool {
	for _, t := range ShotTypes() {
		if string(t) == name {
			return true
		}
	}
	return false
}

// Entry configures one shot type. Exposure and Period are in seconds.
// Override bypasses the observation conditions gating the shot type.
type Entry struct {
	Enabled   bool    `yaml:"enabled"`
	Exposure  float64 `yaml:"exposure"`
	Gain      float64 `yaml:"gain"`
	Period    float64 `yaml:"period"`
	ColorMode string  `yaml:"color_mode"`
	Override  bool    `yaml:"override"`
}

// Shot returns the exposure described by the entry.
func (e Entry) Shot() camera.Shot {
	return camera.Shot{
		Exposure: e.Exposure,
		Gain:     e.Gain,
		Mode:     property.ParseColorMode(e.ColorMode),
	}
}

func (e Entry) fields() [][2]string {
	return [][2]string{
		{"enabled", fmt.Sprint(e.Enabled)},
		{"exposure", fmt.Sprint(e.Exposure)},
		{"gain", fmt.Sprint(e.Gain)},
		{"period", fmt.Sprint(e.Period)},
		{"color_mode", e.ColorMode},
		{"override", fmt.Sprint(e.Override)},
	}
}

// Config maps shot types to their entries.
type Config map[ShotType]Entry

// Parse decodes a schedule file. Keys that are not shot types are logged
// and skipped.
func Parse(data []byte, logger log.FieldLogger) (Config, error) {
	var raw map[string]Entry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := make(Config, len(raw))
	for key, entry := range raw {
		if !validShotType(key) {
			logger.Warnf("Invalid shot type %q in schedule, ignoring. Valid shot types are %s", key, validNames())
			continue
		}
		if entry.ColorMode == "" {
			entry.ColorMode = "rgb"
		}
		cfg[ShotType(key)] = entry
	}
	return cfg, nil
}

func validNames() string {
	names := make([]string, 0, 3)
	for _, t := range ShotTypes() {
		names = append(names, string(t))
	}
	return strings.Join(names, ", ")
}

// Load reads and parses a schedule file.
func Load(path string, logger log.FieldLogger) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule file: %w", err)
	}
	return Parse(data, logger)
}

// Diff describes the fields that differ between two configs, one line per
// field, as "type.field: old => new".
func Diff(old, cur Config) []string {
	var changes []string
	for _, t := range ShotTypes() {
		prev, hadPrev := old[t]
		next, hasNext := cur[t]
		if !hadPrev && !hasNext {
			continue
		}

		prevFields, nextFields := prev.fields(), next.fields()
		for i, f := range nextFields {
			from, to := prevFields[i][1], f[1]
			if !hadPrev {
				from = "<none>"
			}
			if !hasNext {
				to = "<none>"
			}
			if from != to {
				changes = append(changes, fmt.Sprintf("%s.%s: %q => %q", t, f[0], from, to))
			}
		}
	}
	return changes
}

// Store holds the current schedule and reloads it from its file.
type Store struct {
	path   string
	logger log.FieldLogger

	mu  sync.RWMutex
	cfg Config
}

// NewStore loads the schedule at path.
func NewStore(path string, logger log.FieldLogger) (*Store, error) {
	logger = logger.WithField("component", "schedule")

	cfg, err := Load(path, logger)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, logger: logger, cfg: cfg}, nil
}

// Entry returns the entry for a shot type.
func (s *Store) Entry(t ShotType) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.cfg[t]
	return e, ok
}

// Config returns a copy of the current schedule.
func (s *Store) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg := make(Config, len(s.cfg))
	for t, e := range s.cfg {
		cfg[t] = e
	}
	return cfg
}

// Reload rereads the file and logs what changed. On error the current
// schedule is kept.
func (s *Store) Reload() error {
	cfg, err := Load(s.path, s.logger)
	if err != nil {
		return err
	}

	s.mu.Lock()
	changes := Diff(s.cfg, cfg)
	s.cfg = cfg
	s.mu.Unlock()

	if len(changes) == 0 {
		return nil
	}
	s.logger.Infof("Schedule updated:\n\t%s", strings.Join(changes, "\n\t"))
	return nil
}
