package alpaca

import (
	"fmt"
	"net/http"
)

type CameraState int

const (
	CameraIdle CameraState = iota
	CameraWaiting
	CameraExposing
	CameraReading
	CameraDownload
	CameraError
)

type Camera interface {
	Device

	StartExposure(duration float64) error
	ImageReady() bool
	State() CameraState
	// Image returns the last frame as a FITS file.
	Image() ([]byte, error)
	LastExposureDuration() (float64, error)

	Gain() float64
	SetGain(gain float64) error
	ReadoutMode() int
	ReadoutModes() []string
	SetReadoutMode(mode int) error
}

type CameraHandler struct {
	DeviceHandler
	dev Camera
}

func NewCameraHandler(dev Camera) *CameraHandler {
	return &CameraHandler{
		DeviceHandler: DeviceHandler{dev: dev},
		dev:           dev,
	}
}

func (ch *CameraHandler) RegisterRoutes(mux *http.ServeMux) {
	ch.DeviceHandler.RegisterRoutes(mux)

	mux.HandleFunc("GET /camerastate", handle(ch.handleCameraState))
	mux.HandleFunc("GET /imageready", handle(ch.handleImageReady))
	mux.HandleFunc("GET /lastexposureduration", handle(ch.handleLastExposureDuration))
	mux.HandleFunc("GET /gain", handle(ch.handleGain))
	mux.HandleFunc("PUT /gain", handle(ch.handleSetGain))
	mux.HandleFunc("GET /readoutmode", handle(ch.handleReadoutMode))
	mux.HandleFunc("PUT /readoutmode", handle(ch.handleSetReadoutMode))
	mux.HandleFunc("GET /readoutmodes", handle(ch.handleReadoutModes))

	mux.HandleFunc("PUT /startexposure", handle(ch.handleStartExposure))
	mux.HandleFunc("PUT /abortexposure", handle(ch.handleNotImplemented))
	mux.HandleFunc("PUT /stopexposure", handle(ch.handleNotImplemented))
	mux.HandleFunc("GET /canabortexposure", handle(ch.handleFalse))
	mux.HandleFunc("GET /canstopexposure", handle(ch.handleFalse))

	mux.HandleFunc("GET /imagebytes", ch.handleImageBytes)
}

func (ch *CameraHandler) connected() error {
	if !ch.dev.Connected() {
		return ErrNotConnected
	}
	return nil
}

func (ch *CameraHandler) handleCameraState(r *http.Request) (any, error) {
	if err := ch.connected(); err != nil {
		return nil, err
	}
	return ch.dev.State(), nil
}

func (ch *CameraHandler) handleImageReady(r *http.Request) (any, error) {
	if err := ch.connected(); err != nil {
		return nil, err
	}
	return ch.dev.ImageReady(), nil
}

func (ch *CameraHandler) handleLastExposureDuration(r *http.Request) (any, error) {
	if err := ch.connected(); err != nil {
		return nil, err
	}
	return ch.dev.LastExposureDuration()
}

func (ch *CameraHandler) handleGain(r *http.Request) (any, error) {
	if err := ch.connected(); err != nil {
		return nil, err
	}
	return ch.dev.Gain(), nil
}

func (ch *CameraHandler) handleSetGain(r *http.Request) (any, error) {
	gain, err := parseFloatRequest(r, "Gain")
	if err != nil {
		return nil, err
	}
	if err := ch.connected(); err != nil {
		return nil, err
	}
	return nil, ch.dev.SetGain(gain)
}

func (ch *CameraHandler) handleReadoutMode(r *http.Request) (any, error) {
	if err := ch.connected(); err != nil {
		return nil, err
	}
	return ch.dev.ReadoutMode(), nil
}

func (ch *CameraHandler) handleSetReadoutMode(r *http.Request) (any, error) {
	mode, err := parseIntRequest(r, "ReadoutMode")
	if err != nil {
		return nil, err
	}
	if mode < 0 || mode >= len(ch.dev.ReadoutModes()) {
		return nil, fmt.Errorf("%w: readout mode %d", ErrInvalidValue, mode)
	}
	if err := ch.connected(); err != nil {
		return nil, err
	}
	return nil, ch.dev.SetReadoutMode(mode)
}

func (ch *CameraHandler) handleReadoutModes(r *http.Request) (any, error) {
	return ch.dev.ReadoutModes(), nil
}

func (ch *CameraHandler) handleStartExposure(r *http.Request) (any, error) {
	duration, err := parseFloatRequest(r, "Duration")
	if err != nil {
		return nil, err
	}
	if duration < 0 {
		return nil, fmt.Errorf("%w: duration %v", ErrInvalidValue, duration)
	}
	if err := ch.connected(); err != nil {
		return nil, err
	}
	return nil, ch.dev.StartExposure(duration)
}

func (ch *CameraHandler) handleNotImplemented(r *http.Request) (any, error) {
	return nil, ErrNotImplemented
}

func (ch *CameraHandler) handleFalse(r *http.Request) (any, error) {
	return false, nil
}

// handleImageBytes serves the last frame as a FITS file.
func (ch *CameraHandler) handleImageBytes(w http.ResponseWriter, r *http.Request) {
	if err := ch.connected(); err != nil {
		handleError(w, r, err)
		return
	}
	frame, err := ch.dev.Image()
	if err != nil {
		handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/fits")
	w.Write(frame)
}
