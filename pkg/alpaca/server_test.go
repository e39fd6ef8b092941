package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"skycam/pkg/conditions"
	"skycam/pkg/fits"
	"skycam/pkg/schedule"
)

type fakeCamera struct {
	connected bool
	exposures []float64
	gain      float64
	mode      int
	frame     []byte
	setupHits int
}

func (c *fakeCamera) DeviceInfo() DeviceInfo {
	return DeviceInfo{Name: "Sky Camera", Description: "All-sky camera", Type: CameraDevice, Number: 0, UniqueID: "uid"}
}

func (c *fakeCamera) DriverInfo() DriverInfo {
	return DriverInfo{Name: "Test Driver", Version: "1.0", InterfaceVersion: 3}
}

func (c *fakeCamera) GetState() []StateProperty {
	return []StateProperty{{Name: "Gain", Value: c.gain}}
}

func (c *fakeCamera) Connected() bool  { return c.connected }
func (c *fakeCamera) Connecting() bool { return false }

func (c *fakeCamera) Connect() error {
	c.connected = true
	return nil
}

func (c *fakeCamera) Disconnect() error {
	c.connected = false
	return nil
}

func (c *fakeCamera) StartExposure(duration float64) error {
	c.exposures = append(c.exposures, duration)
	return nil
}

func (c *fakeCamera) ImageReady() bool   { return c.frame != nil }
func (c *fakeCamera) State() CameraState { return CameraIdle }

func (c *fakeCamera) Image() ([]byte, error) {
	if c.frame == nil {
		return nil, ErrValueNotSet
	}
	return c.frame, nil
}

func (c *fakeCamera) LastExposureDuration() (float64, error) {
	if len(c.exposures) == 0 {
		return 0, ErrValueNotSet
	}
	return c.exposures[len(c.exposures)-1], nil
}

func (c *fakeCamera) Gain() float64 { return c.gain }

func (c *fakeCamera) SetGain(gain float64) error {
	c.gain = gain
	return nil
}

func (c *fakeCamera) ReadoutMode() int       { return c.mode }
func (c *fakeCamera) ReadoutModes() []string { return []string{"RAW 8 1x1", "RGB 24 1x1"} }

func (c *fakeCamera) SetReadoutMode(mode int) error {
	c.mode = mode
	return nil
}

func (c *fakeCamera) HandleSetup(w http.ResponseWriter, r *http.Request) {
	c.setupHits++
	w.Write([]byte("camera setup"))
}

type fakeShots struct {
	frame []byte
	meta  schedule.ShotMetadata
}

func (s *fakeShots) Shot() ([]byte, schedule.ShotMetadata, bool) {
	return s.frame, s.meta, s.frame != nil
}

type fakeConditions struct {
	conditions conditions.Conditions
}

func (c fakeConditions) Conditions() conditions.Conditions {
	return c.conditions
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "alpaca.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

const setupTemplate = `{{define "setup.html"}}name={{.Name}} location={{.Location}} success={{.Success}} error={{.Error}}{{range .Devices}} device={{.Name}}{{end}}{{end}}`

func newTestServer(t *testing.T, cam *fakeCamera, shots ShotSource) (*httptest.Server, *Store) {
	t.Helper()
	return newConditionsServer(t, cam, shots, nil)
}

func newConditionsServer(t *testing.T, cam *fakeCamera, shots ShotSource, conds ConditionsSource) (*httptest.Server, *Store) {
	t.Helper()
	logger := log.New()
	logger.SetOutput(io.Discard)

	store := newTestStore(t)
	tmpl := template.Must(template.New("").Parse(setupTemplate))

	desc := ServerDescription{Name: "ignored", Manufacturer: "skycam", ManufacturerVersion: "0.0.1"}
	server := NewServer(desc, []Device{cam}, shots, conds, store, tmpl, logger)

	ts := httptest.NewServer(server.AddRoutes())
	t.Cleanup(ts.Close)
	return ts, store
}

type response struct {
	ClientTransactionID int
	ServerTransactionID int
	ErrorNumber         int
	ErrorMessage        string
	Value               json.RawMessage
}

func get(t *testing.T, ts *httptest.Server, path string) response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var r response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	return r
}

func put(t *testing.T, ts *httptest.Server, path string, form url.Values) response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, ts.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var r response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	return r
}

func TestManagementAPI(t *testing.T) {
	ts, store := newTestServer(t, &fakeCamera{}, nil)

	r := get(t, ts, "/management/apiversions")
	assert.JSONEq(t, `[1]`, string(r.Value))

	require.NoError(t, store.SetConfig(Config{Name: "Roof camera", Location: "La Palma"}))
	r = get(t, ts, "/management/v1/description")
	var desc ServerDescription
	require.NoError(t, json.Unmarshal(r.Value, &desc))
	assert.Equal(t, "Roof camera", desc.Name)
	assert.Equal(t, "La Palma", desc.Location)
	assert.Equal(t, "skycam", desc.Manufacturer)

	r = get(t, ts, "/management/v1/configureddevices")
	assert.JSONEq(t, `[{"DeviceName":"Sky Camera","DeviceType":"Camera","DeviceNumber":0,"UniqueID":"uid"}]`, string(r.Value))
}

func TestClientTransactionID(t *testing.T) {
	ts, _ := newTestServer(t, &fakeCamera{}, nil)

	r := get(t, ts, "/api/v1/camera/0/name?ClientTransactionID=42")
	assert.Equal(t, 42, r.ClientTransactionID)
	assert.Positive(t, r.ServerTransactionID)
	assert.JSONEq(t, `"Sky Camera"`, string(r.Value))

	r = put(t, ts, "/api/v1/camera/0/connect", url.Values{"clienttransactionid": {"7"}})
	assert.Equal(t, 7, r.ClientTransactionID)

	resp, err := http.Get(ts.URL + "/api/v1/camera/0/name?ClientTransactionID=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCameraRequiresConnection(t *testing.T) {
	cam := &fakeCamera{}
	ts, _ := newTestServer(t, cam, nil)

	r := get(t, ts, "/api/v1/camera/0/gain")
	assert.Equal(t, codeNotConnected, r.ErrorNumber)

	r = put(t, ts, "/api/v1/camera/0/startexposure", url.Values{"Duration": {"1.5"}, "Light": {"true"}})
	assert.Equal(t, codeNotConnected, r.ErrorNumber)
	assert.Empty(t, cam.exposures)

	r = get(t, ts, "/api/v1/camera/0/connected")
	assert.JSONEq(t, `false`, string(r.Value))
}

func TestCameraRoutes(t *testing.T) {
	cam := &fakeCamera{}
	ts, _ := newTestServer(t, cam, nil)

	r := put(t, ts, "/api/v1/camera/0/connected", url.Values{"Connected": {"true"}})
	require.Zero(t, r.ErrorNumber, r.ErrorMessage)
	assert.True(t, cam.connected)

	r = put(t, ts, "/api/v1/camera/0/gain", url.Values{"Gain": {"25"}})
	require.Zero(t, r.ErrorNumber, r.ErrorMessage)
	assert.Equal(t, 25.0, cam.gain)
	r = get(t, ts, "/api/v1/camera/0/gain")
	assert.JSONEq(t, `25`, string(r.Value))

	r = put(t, ts, "/api/v1/camera/0/readoutmode", url.Values{"ReadoutMode": {"0"}})
	require.Zero(t, r.ErrorNumber, r.ErrorMessage)
	r = get(t, ts, "/api/v1/camera/0/readoutmode")
	assert.JSONEq(t, `0`, string(r.Value))
	r = get(t, ts, "/api/v1/camera/0/readoutmodes")
	assert.JSONEq(t, `["RAW 8 1x1","RGB 24 1x1"]`, string(r.Value))

	r = get(t, ts, "/api/v1/camera/0/lastexposureduration")
	assert.Equal(t, codeValueNotSet, r.ErrorNumber)

	r = put(t, ts, "/api/v1/camera/0/startexposure", url.Values{"Duration": {"2.5"}, "Light": {"true"}})
	require.Zero(t, r.ErrorNumber, r.ErrorMessage)
	assert.Equal(t, []float64{2.5}, cam.exposures)
	r = get(t, ts, "/api/v1/camera/0/lastexposureduration")
	assert.JSONEq(t, `2.5`, string(r.Value))

	r = get(t, ts, "/api/v1/camera/0/imageready")
	assert.JSONEq(t, `false`, string(r.Value))

	r = put(t, ts, "/api/v1/camera/0/abortexposure", nil)
	assert.Equal(t, codeNotImplemented, r.ErrorNumber)

	r = get(t, ts, "/api/v1/camera/0/driverversion")
	assert.JSONEq(t, `"1.0"`, string(r.Value))

	r = put(t, ts, "/api/v1/camera/0/disconnect", nil)
	require.Zero(t, r.ErrorNumber, r.ErrorMessage)
	assert.False(t, cam.connected)
}

func TestCameraInvalidValues(t *testing.T) {
	cam := &fakeCamera{connected: true}
	ts, _ := newTestServer(t, cam, nil)

	tests := []struct {
		path string
		form url.Values
	}{
		{"/api/v1/camera/0/startexposure", url.Values{"Duration": {"-1"}}},
		{"/api/v1/camera/0/startexposure", url.Values{"Duration": {"soon"}}},
		{"/api/v1/camera/0/startexposure", url.Values{}},
		{"/api/v1/camera/0/gain", url.Values{"Gain": {"high"}}},
		{"/api/v1/camera/0/readoutmode", url.Values{"ReadoutMode": {"2"}}},
		{"/api/v1/camera/0/readoutmode", url.Values{"ReadoutMode": {"-1"}}},
	}

	for _, tc := range tests {
		t.Run(tc.path+"?"+tc.form.Encode(), func(t *testing.T) {
			r := put(t, ts, tc.path, tc.form)
			assert.Equal(t, codeInvalidValue, r.ErrorNumber)
		})
	}
	assert.Empty(t, cam.exposures)
}

func TestImageBytes(t *testing.T) {
	cam := &fakeCamera{connected: true}
	ts, _ := newTestServer(t, cam, nil)

	r := get(t, ts, "/api/v1/camera/0/imagebytes")
	assert.Equal(t, codeValueNotSet, r.ErrorNumber)

	cam.frame = []byte("SIMPLE  =                    T")
	resp, err := http.Get(ts.URL + "/api/v1/camera/0/imagebytes")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "application/fits", resp.Header.Get("Content-Type"))
	assert.Equal(t, cam.frame, body)
}

func TestLatestShot(t *testing.T) {
	shots := &fakeShots{}
	ts, _ := newTestServer(t, &fakeCamera{}, shots)

	resp, err := http.Get(ts.URL + "/api/latest-shot")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	shots.frame = []byte{0xff, 0xd8, 0xff, 0xd9}
	shots.meta = schedule.ShotMetadata{
		Metadata:     fits.Metadata{Width: 64, Height: 48, Color: true, Exposure: 0.5},
		ShotDatetime: "2024-03-01T22:16:00Z",
		Period:       60,
	}

	resp, err = http.Get(ts.URL + "/api/latest-shot")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, shots.frame, body)

	resp, err = http.Get(ts.URL + "/api/latest-shot-metadata")
	require.NoError(t, err)
	defer resp.Body.Close()

	var meta map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
	assert.Equal(t, 64.0, meta["width"])
	assert.Equal(t, true, meta["color"])
	assert.Equal(t, "2024-03-01T22:16:00Z", meta["shot_datetime"])
	assert.Equal(t, 60.0, meta["period"])
}

func TestObservationConditions(t *testing.T) {
	ts, _ := newTestServer(t, &fakeCamera{}, nil)
	resp, err := http.Get(ts.URL + "/api/observation-conditions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	conds := fakeConditions{conditions.Conditions{
		Celestial: conditions.Celestial{
			LocalTime:           "2024/12/31 01:10:00",
			IsNight:             true,
			IsAstronomicalNight: true,
			IsMoonless:          true,
		},
		Environment: map[string]string{"Fan": "1 logical", "Ext. T": "-4.0 °C"},
	}}
	ts, _ = newConditionsServer(t, &fakeCamera{}, nil, conds)

	resp, err = http.Get(ts.URL + "/api/observation-conditions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "2024/12/31 01:10:00", got["local_time"])
	assert.Equal(t, true, got["is_astronomical_night"])
	assert.Equal(t, true, got["is_moonless"])
	assert.Equal(t, "1 logical", got["Fan"])
	assert.Equal(t, "-4.0 °C", got["Ext. T"])
}

func TestServerSetup(t *testing.T) {
	cam := &fakeCamera{}
	ts, store := newTestServer(t, cam, nil)

	resp, err := http.Get(ts.URL + "/setup")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "name=skycam")
	assert.Contains(t, string(body), "device=Sky Camera")

	resp, err = http.PostForm(ts.URL+"/setup", url.Values{"server-name": {"Roof"}, "location": {"Teide"}})
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "success=true")

	cfg, err := store.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, Config{Name: "Roof", Location: "Teide"}, cfg)

	resp, err = http.PostForm(ts.URL+"/setup", url.Values{"server-name": {" "}})
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "server name cannot be empty")

	resp, err = http.Get(ts.URL + "/setup/v1/camera/0/setup")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 1, cam.setupHits)
}

func TestStoreDefaults(t *testing.T) {
	store := newTestStore(t)

	cfg, err := store.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, defaultConfig, cfg)

	assert.Error(t, store.SetConfig(Config{}))
}

func TestDiscoveryResponder(t *testing.T) {
	free, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := free.LocalAddr().(*net.UDPAddr).Port
	free.Close()

	logger := log.New()
	logger.SetOutput(io.Discard)
	dr := NewDiscoveryResponder("127.0.0.1", 11111, logger)
	dr.port = port

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dr.Run(ctx) }()

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 128)
	require.Eventually(t, func() bool {
		if _, err := conn.Write([]byte(discoveryRequest)); err != nil {
			return false
		}
		conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, err := conn.Read(buf)
		return err == nil && string(buf[:n]) == `{"AlpacaPort": 11111}`
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
