package ccd

import (
	"fmt"
	"math"

	"skycam/pkg/property"
)

// target returns the device capture commands are sent to.
func (c *Client) target() (string, error) {
	if st := c.State(); st != Connected {
		return "", fmt.Errorf("%w: session is %v", ErrNotReady, st)
	}
	device := c.DeviceName()
	if device == "" {
		return "", fmt.Errorf("%w: no device name set", ErrNotReady)
	}
	return device, nil
}

// TakeShot requests an exposure of the given length in seconds. It returns
// once the request is submitted; the frame is delivered to the capture
// callback. Only one exposure should be outstanding at a time.
func (c *Client) TakeShot(exposure float64) error {
	if !c.dispatcher.registered() {
		return ErrNoCallbackRegistered
	}
	if exposure < 0 || math.IsNaN(exposure) || math.IsInf(exposure, 0) {
		return fmt.Errorf("%w: exposure %v", ErrInvalidArgument, exposure)
	}

	device, err := c.target()
	if err != nil {
		return err
	}

	req, err := property.EncodeNumeric(property.ExposureProperty, []string{property.ExposureItem}, []float64{exposure})
	if err != nil {
		return err
	}

	c.logger.Debugf("Exposing %s for %vs", device, exposure)
	return c.session.send(device, req)
}

func (c *Client) SetGain(gain float64) error {
	if math.IsNaN(gain) || math.IsInf(gain, 0) {
		return fmt.Errorf("%w: gain %v", ErrInvalidArgument, gain)
	}

	device, err := c.target()
	if err != nil {
		return err
	}

	req, err := property.EncodeNumeric(property.GainProperty, []string{property.GainItem}, []float64{gain})
	if err != nil {
		return err
	}
	return c.session.send(device, req)
}

// SetMode selects the readout mode. Indices outside the mode table select
// RGB 24.
func (c *Client) SetMode(mode int) error {
	device, err := c.target()
	if err != nil {
		return err
	}

	if item, known := property.ModeItem(property.Mode(mode)); !known {
		c.logger.Warnf("Unknown mode %d, using %s", mode, item)
	}
	return c.session.send(device, property.EncodeMode(property.Mode(mode)))
}
