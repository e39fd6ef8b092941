// Package conditions reports the observation conditions at the camera site:
// the position of the sun and the moon, and the readings of the
// environmental controller next to the camera.
package conditions

import (
	"encoding/json"
	"time"
)

// Conditions is a snapshot of the sky and of the controller readings.
// Readings are flattened next to the sky fields when encoded to JSON.
type Conditions struct {
	Celestial
	Environment map[string]string
}

func (c Conditions) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(c.Celestial)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]any)
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for k, v := range c.Environment {
		if _, ok := fields[k]; !ok {
			fields[k] = v
		}
	}
	return json.Marshal(fields)
}

// Monitor combines a site with an optional environmental controller.
type Monitor struct {
	site Site
	env  *Controller
	now  func() time.Time
}

// NewMonitor creates a monitor. env may be nil when no controller is
// attached.
func NewMonitor(site Site, env *Controller) *Monitor {
	return &Monitor{site: site, env: env, now: time.Now}
}

func (m *Monitor) Conditions() Conditions {
	c := Conditions{Celestial: m.site.Celestial(m.now())}
	if m.env != nil {
		if ms, ok := m.env.Current(); ok {
			c.Environment = ms.Values()
		}
	}
	return c
}

// DarkSky reports whether the sky is currently dark enough for science
// frames.
func (m *Monitor) DarkSky() bool {
	return m.site.DarkSky(m.now())
}
