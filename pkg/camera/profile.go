package camera

import (
	"fmt"
	"strings"
)

// Profile names the driver and device used for a camera setup.
type Profile struct {
	Name   string
	Driver string
	Device string
}

var (
	SimulatorProfile = Profile{
		Name:   "Simulator",
		Driver: "indigo_ccd_simulator",
		Device: "CCD Imager Simulator",
	}
	RealProfile = Profile{
		Name:   "Real",
		Driver: "indigo_ccd_asi",
		Device: "ZWO ASI120MC-S #0",
	}
)

// ProfileByName returns the profile for a camera mode ("Simulator" or "Real").
func ProfileByName(mode string) (Profile, error) {
	switch strings.ToLower(mode) {
	case "simulator":
		return SimulatorProfile, nil
	case "real":
		return RealProfile, nil
	default:
		return Profile{}, fmt.Errorf("camera mode must be 'Real' or 'Simulator', got %q", mode)
	}
}
