package conditions

import (
	"fmt"
	"math"
	"time"
)

// LocalTimeLayout formats times reported to clients.
const LocalTimeLayout = "2006/01/02 15:04:05"

const (
	// Sun altitudes in degrees.
	nightAltitude             = 0.0
	astronomicalNightAltitude = -18.0

	searchStep   = 10 * time.Minute
	searchWindow = 48 * time.Hour
)

// Site is the observing location.
type Site struct {
	Latitude  float64 // degrees, north positive
	Longitude float64 // degrees, east positive
	Location  *time.Location
}

// DefaultSite is the observatory in the Tunka valley.
var DefaultSite = Site{
	Latitude:  51.4848,
	Longitude: 103.0409,
	Location:  time.FixedZone("IRKT", 8*60*60),
}

func (s Site) Validate() error {
	if s.Latitude < -90 || s.Latitude > 90 {
		return fmt.Errorf("invalid latitude: %v", s.Latitude)
	}
	if s.Longitude < -180 || s.Longitude > 180 {
		return fmt.Errorf("invalid longitude: %v", s.Longitude)
	}
	return nil
}

// Event holds the surrounding occurrences of a rise or a set, formatted in
// the site's time zone. A field is empty when there is none within two days.
type Event struct {
	Previous string `json:"previous"`
	Next     string `json:"next"`
}

// Celestial describes the sky above a site at a given time.
type Celestial struct {
	LocalTime           string `json:"local_time"`
	IsNight             bool   `json:"is_night"`
	IsAstronomicalNight bool   `json:"is_astronomical_night"`
	Sunrise             Event  `json:"sunrise"`
	Sunset              Event  `json:"sunset"`
	IsMoonless          bool   `json:"is_moonless"`
	Moonrise            Event  `json:"moonrise"`
	Moonset             Event  `json:"moonset"`
}

func (s Site) Celestial(at time.Time) Celestial {
	sun, moon := s.SunAltitude(at), s.MoonAltitude(at)

	return Celestial{
		LocalTime:           s.format(at),
		IsNight:             sun < nightAltitude,
		IsAstronomicalNight: sun < astronomicalNightAltitude,
		Sunrise:             s.event(s.SunAltitude, at, true),
		Sunset:              s.event(s.SunAltitude, at, false),
		IsMoonless:          moon < 0,
		Moonrise:            s.event(s.MoonAltitude, at, true),
		Moonset:             s.event(s.MoonAltitude, at, false),
	}
}

// DarkSky reports whether at falls in an astronomical night with the moon
// below the horizon.
func (s Site) DarkSky(at time.Time) bool {
	return s.SunAltitude(at) < astronomicalNightAltitude && s.MoonAltitude(at) < 0
}

func (s Site) format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(LocalTimeLayout)
}

func (s Site) event(altitude func(time.Time) float64, at time.Time, rising bool) Event {
	return Event{
		Previous: s.format(crossing(altitude, at, -searchStep, rising)),
		Next:     s.format(crossing(altitude, at, searchStep, rising)),
	}
}

// crossing walks from at in steps of step (negative to search backwards)
// and returns when altitude crosses the horizon upwards (rising) or
// downwards. It returns the zero time when there is no crossing in the
// search window.
func crossing(altitude func(time.Time) float64, at time.Time, step time.Duration, rising bool) time.Time {
	crosses := func(earlier, later time.Time) bool {
		a, b := altitude(earlier), altitude(later)
		if rising {
			return a < 0 && b >= 0
		}
		return a >= 0 && b < 0
	}

	for i := time.Duration(0); i*searchStep < searchWindow; i++ {
		t0 := at.Add(i * step)
		t1 := t0.Add(step)
		earlier, later := t0, t1
		if step < 0 {
			earlier, later = t1, t0
		}
		if !crosses(earlier, later) {
			continue
		}

		for later.Sub(earlier) > time.Second {
			mid := earlier.Add(later.Sub(earlier) / 2)
			if crosses(earlier, mid) {
				later = mid
			} else {
				earlier = mid
			}
		}
		return later.Truncate(time.Second)
	}
	return time.Time{}
}

// Low precision positions, good to a fraction of a degree, after the
// formulae in Astronomy Answers.

const (
	rad       = math.Pi / 180
	j1970     = 2440588.0
	j2000     = 2451545.0
	obliquity = rad * 23.4397
)

func toDays(t time.Time) float64 {
	return float64(t.UnixMilli())/(24*60*60*1000) - 0.5 + j1970 - j2000
}

func rightAscension(l, b float64) float64 {
	return math.Atan2(math.Sin(l)*math.Cos(obliquity)-math.Tan(b)*math.Sin(obliquity), math.Cos(l))
}

func declination(l, b float64) float64 {
	return math.Asin(math.Sin(b)*math.Cos(obliquity) + math.Cos(b)*math.Sin(obliquity)*math.Sin(l))
}

func siderealTime(d, lw float64) float64 {
	return rad*(280.16+360.9856235*d) - lw
}

func sunCoords(d float64) (ra, dec float64) {
	m := rad * (357.5291 + 0.98560028*d)
	c := rad * (1.9148*math.Sin(m) + 0.02*math.Sin(2*m) + 0.0003*math.Sin(3*m))
	l := m + c + rad*102.9372 + math.Pi
	return rightAscension(l, 0), declination(l, 0)
}

func moonCoords(d float64) (ra, dec float64) {
	lon := rad * (218.316 + 13.176396*d)
	m := rad * (134.963 + 13.064993*d)
	f := rad * (93.272 + 13.229350*d)

	l := lon + rad*6.289*math.Sin(m)
	b := rad * 5.128 * math.Sin(f)
	return rightAscension(l, b), declination(l, b)
}

func (s Site) altitude(at time.Time, coords func(float64) (float64, float64)) float64 {
	d := toDays(at)
	ra, dec := coords(d)
	phi := rad * s.Latitude
	h := siderealTime(d, rad*-s.Longitude) - ra
	return math.Asin(math.Sin(phi)*math.Sin(dec)+math.Cos(phi)*math.Cos(dec)*math.Cos(h)) / rad
}

// SunAltitude is the altitude of the sun's center in degrees.
func (s Site) SunAltitude(at time.Time) float64 {
	return s.altitude(at, sunCoords)
}

// MoonAltitude is the altitude of the moon's center in degrees.
func (s Site) MoonAltitude(at time.Time) float64 {
	return s.altitude(at, moonCoords)
}
