package alpaca

import (
	"net/http"
	"time"
)

type DeviceType string

const CameraDevice DeviceType = "Camera"

func (t DeviceType) String() string {
	return string(t)
}

type DeviceInfo struct {
	Name        string     `json:"DeviceName"`
	Description string     `json:"-"`
	Type        DeviceType `json:"DeviceType"`
	Number      int        `json:"DeviceNumber"`
	UniqueID    string     `json:"UniqueID"`
}

type DriverInfo struct {
	Name             string
	Version          string
	InterfaceVersion int
}

type StateProperty struct {
	Name  string
	Value interface{}
}

// TimeStamp is the state property every device reports.
func TimeStamp() StateProperty {
	return StateProperty{Name: "TimeStamp", Value: time.Now().Format(time.RFC3339)}
}

type Device interface {
	DeviceInfo() DeviceInfo
	DriverInfo() DriverInfo
	GetState() []StateProperty

	Connected() bool
	Connecting() bool
	Connect() error
	Disconnect() error
}

// Configurable devices serve their own setup page.
type Configurable interface {
	HandleSetup(w http.ResponseWriter, r *http.Request)
}

type DeviceHandler struct {
	dev Device
}

func NewDeviceHandler(dev Device) *DeviceHandler {
	return &DeviceHandler{dev}
}

func (h *DeviceHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /name", handle(h.handleName))
	mux.HandleFunc("GET /description", handle(h.handleDescription))
	mux.HandleFunc("GET /driverinfo", handle(h.handleDriverInfo))
	mux.HandleFunc("GET /driverversion", handle(h.handleDriverVersion))
	mux.HandleFunc("GET /interfaceversion", handle(h.handleInterfaceVersion))
	mux.HandleFunc("GET /devicestate", handle(h.handleState))
	mux.HandleFunc("GET /supportedactions", handle(h.handleSupportedActions))

	mux.HandleFunc("GET /connected", handle(h.handleConnected))
	mux.HandleFunc("PUT /connected", handle(h.handleSetConnected))
	mux.HandleFunc("GET /connecting", handle(h.handleConnecting))
	mux.HandleFunc("PUT /connect", handle(h.handleConnect))
	mux.HandleFunc("PUT /disconnect", handle(h.handleDisconnect))
}

func (h *DeviceHandler) handleName(r *http.Request) (any, error) {
	return h.dev.DeviceInfo().Name, nil
}

func (h *DeviceHandler) handleDescription(r *http.Request) (any, error) {
	return h.dev.DeviceInfo().Description, nil
}

func (h *DeviceHandler) handleDriverInfo(r *http.Request) (any, error) {
	return h.dev.DriverInfo().Name, nil
}

func (h *DeviceHandler) handleDriverVersion(r *http.Request) (any, error) {
	return h.dev.DriverInfo().Version, nil
}

func (h *DeviceHandler) handleInterfaceVersion(r *http.Request) (any, error) {
	return h.dev.DriverInfo().InterfaceVersion, nil
}

func (h *DeviceHandler) handleState(r *http.Request) (any, error) {
	return h.dev.GetState(), nil
}

func (h *DeviceHandler) handleSupportedActions(r *http.Request) (any, error) {
	return []string{}, nil
}

func (h *DeviceHandler) handleConnected(r *http.Request) (any, error) {
	return h.dev.Connected(), nil
}

func (h *DeviceHandler) handleSetConnected(r *http.Request) (any, error) {
	connected, err := parseBoolRequest(r, "Connected")
	if err != nil {
		return nil, err
	}
	if connected == h.dev.Connected() {
		return nil, nil
	}
	if connected {
		return nil, h.dev.Connect()
	}
	return nil, h.dev.Disconnect()
}

func (h *DeviceHandler) handleConnecting(r *http.Request) (any, error) {
	return h.dev.Connecting(), nil
}

func (h *DeviceHandler) handleConnect(r *http.Request) (any, error) {
	return nil, h.dev.Connect()
}

func (h *DeviceHandler) handleDisconnect(r *http.Request) (any, error) {
	return nil, h.dev.Disconnect()
}
