package templates

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTemplates(t *testing.T) {
	tmpl, err := LoadTemplates()
	require.NoError(t, err)

	for _, name := range []string{"setup.html", "camera_setup.html"} {
		assert.NotNil(t, tmpl.Lookup(name), name)
	}
}

func TestServerSetupRenders(t *testing.T) {
	tmpl, err := LoadTemplates()
	require.NoError(t, err)

	type device struct {
		Name   string
		Type   deviceType
		Number int
	}
	data := struct {
		Name     string
		Location string
		Devices  []device
		Success  bool
		Error    string
	}{
		Name:    "skycam",
		Devices: []device{{Name: "Sky Camera", Type: "Camera", Number: 0}},
		Success: true,
	}

	var buf bytes.Buffer
	require.NoError(t, tmpl.ExecuteTemplate(&buf, "setup.html", data))
	assert.Contains(t, buf.String(), `href="/setup/v1/camera/0/setup"`)
	assert.Contains(t, buf.String(), "Configuration saved.")
}

type deviceType string

func (t deviceType) String() string { return string(t) }
