// Documentation: https://ascom-standards.org/api/?urls.primaryName=ASCOM+Alpaca+Management+API

package alpaca

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"skycam/pkg/conditions"
	"skycam/pkg/schedule"
)

type ServerDescription struct {
	Name                string `json:"ServerName"`
	Manufacturer        string `json:"Manufacturer"`
	ManufacturerVersion string `json:"ManufacturerVersion"`
	Location            string `json:"Location"`
}

// ShotSource provides the JPEG preview of the latest scheduled shot.
type ShotSource interface {
	Shot() (preview []byte, meta schedule.ShotMetadata, ok bool)
}

// ConditionsSource reports the current observation conditions.
type ConditionsSource interface {
	Conditions() conditions.Conditions
}

// Server is an Alpaca management server that provides information
// about the server and the devices it manages.
type Server struct {
	description ServerDescription
	devices     []Device
	shots       ShotSource
	conditions  ConditionsSource
	logger      log.FieldLogger

	db   *Store
	tmpl *template.Template
}

// NewServer creates a new Server instance. shots may be nil when no
// schedule runs, conds when the site is unknown.
func NewServer(description ServerDescription, devices []Device, shots ShotSource, conds ConditionsSource, db *Store, tmpl *template.Template, logger log.FieldLogger) *Server {
	server := Server{
		description: description,
		devices:     devices,
		shots:       shots,
		conditions:  conds,
		logger:      logger.WithField("component", "server"),
		db:          db,
		tmpl:        tmpl,
	}

	return &server
}

type DeviceHTTPHandler interface {
	RegisterRoutes(mux *http.ServeMux)
}

func (s *Server) AddRoutes() *http.ServeMux {
	r := http.NewServeMux()

	// Add management routes
	r.Handle("GET /management/apiversions", handle(s.handleAPIVersions))
	r.Handle("GET /management/v1/description", handle(s.handleDescription))
	r.Handle("GET /management/v1/configureddevices", handle(s.handleConfiguredDevices))
	r.HandleFunc("/setup", s.handleSetup)

	r.HandleFunc("GET /api/latest-shot", s.handleLatestShot)
	r.HandleFunc("GET /api/latest-shot-metadata", s.handleLatestShotMetadata)
	r.HandleFunc("GET /api/observation-conditions", s.handleObservationConditions)

	// Create handlers for each device
	for _, dev := range s.devices {
		mux := http.NewServeMux()
		var handler DeviceHTTPHandler

		switch d := dev.(type) {
		case Camera:
			s.logger.Infof("Creating new CameraHandler for %s", dev.DeviceInfo().Name)
			handler = NewCameraHandler(d)
		default:
			s.logger.Errorf("Unknown device type: %T", dev)
			handler = NewDeviceHandler(dev)
		}
		handler.RegisterRoutes(mux)

		devType := strings.ToLower(dev.DeviceInfo().Type.String())
		devNumber := dev.DeviceInfo().Number

		apiPrefix := fmt.Sprintf("/api/v1/%s/%d", devType, devNumber)
		r.Handle(apiPrefix+"/", http.StripPrefix(apiPrefix, mux))

		if c, ok := dev.(Configurable); ok {
			r.HandleFunc(fmt.Sprintf("/setup/v1/%s/%d/setup", devType, devNumber), c.HandleSetup)
		}
	}

	return r
}

func (s *Server) handleAPIVersions(r *http.Request) (any, error) {
	return []int{1}, nil
}

func (s *Server) handleDescription(r *http.Request) (any, error) {
	desc := s.description
	if cfg, err := s.db.GetConfig(); err == nil {
		desc.Name = cfg.Name
		desc.Location = cfg.Location
	}
	return desc, nil
}

func (s *Server) handleConfiguredDevices(r *http.Request) (any, error) {
	deviceInfo := make([]DeviceInfo, 0, len(s.devices))
	for _, device := range s.devices {
		deviceInfo = append(deviceInfo, device.DeviceInfo())
	}

	return deviceInfo, nil
}

// handleLatestShot returns the JPEG preview of the latest shot.
func (s *Server) handleLatestShot(w http.ResponseWriter, r *http.Request) {
	preview, _, ok := s.latestShot()
	if !ok {
		http.Error(w, "no shot available", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(preview)
}

func (s *Server) handleLatestShotMetadata(w http.ResponseWriter, r *http.Request) {
	_, meta, ok := s.latestShot()
	if !ok {
		http.Error(w, "no shot available", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(meta)
}

func (s *Server) handleObservationConditions(w http.ResponseWriter, r *http.Request) {
	if s.conditions == nil {
		http.Error(w, "observation conditions unavailable", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.conditions.Conditions()); err != nil {
		s.logger.Errorf("Failed to encode observation conditions: %v", err)
	}
}

func (s *Server) latestShot() ([]byte, schedule.ShotMetadata, bool) {
	if s.shots == nil {
		return nil, schedule.ShotMetadata{}, false
	}
	return s.shots.Shot()
}

// handleSetup returns a user interface for setting up the server.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := s.db.GetConfig()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.renderSetupForm(w, cfg, false, "")

	case http.MethodPost:
		cfg, err := parseSetupForm(r)
		if err != nil {
			s.renderSetupForm(w, cfg, false, err.Error())
			return
		}

		s.logger.Infof("Setting config: %+v", cfg)
		if err := s.db.SetConfig(cfg); err != nil {
			s.renderSetupForm(w, cfg, false, err.Error())
			return
		}
		s.renderSetupForm(w, cfg, true, "")

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) renderSetupForm(w http.ResponseWriter, cfg Config, success bool, err string) {
	data := struct {
		Config
		Devices []DeviceInfo
		Success bool
		Error   string
	}{cfg, nil, success, err}

	for _, dev := range s.devices {
		data.Devices = append(data.Devices, dev.DeviceInfo())
	}

	if err := s.tmpl.ExecuteTemplate(w, "setup.html", data); err != nil {
		http.Error(w, "Error rendering template", http.StatusInternalServerError)
		s.logger.Errorf("Error rendering template: %v", err)
	}
}

func parseSetupForm(r *http.Request) (Config, error) {
	if err := r.ParseForm(); err != nil {
		return Config{}, fmt.Errorf("error parsing form: %v", err)
	}

	cfg := Config{
		Name:     strings.TrimSpace(r.FormValue("server-name")),
		Location: strings.TrimSpace(r.FormValue("location")),
	}
	if cfg.Name == "" {
		return cfg, fmt.Errorf("server name cannot be empty")
	}
	return cfg, nil
}
