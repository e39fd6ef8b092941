package schedule

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skycam/pkg/property"
)

const sampleSchedule = `
preview:
  enabled: true
  exposure: 0.5
  gain: 10
  period: 60
savetodisk:
  enabled: false
  exposure: 30
  gain: 50
  period: 600
  color_mode: greyscale
timelapse:
  enabled: true
`

func testLogger() (*log.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := log.New()
	logger.SetOutput(&buf)
	logger.SetLevel(log.DebugLevel)
	return logger, &buf
}

func writeSchedule(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestParse(t *testing.T) {
	logger, out := testLogger()

	cfg, err := Parse([]byte(sampleSchedule), logger)
	require.NoError(t, err)

	require.Len(t, cfg, 2)
	assert.Equal(t, Entry{Enabled: true, Exposure: 0.5, Gain: 10, Period: 60, ColorMode: "rgb"}, cfg[Preview])
	assert.Equal(t, "greyscale", cfg[SaveToDisk].ColorMode)
	assert.NotContains(t, cfg, ShotType("timelapse"))
	assert.Contains(t, out.String(), "timelapse")
}

func TestParseInvalidYAML(t *testing.T) {
	logger, _ := testLogger()
	_, err := Parse([]byte("preview: [1, 2"), logger)
	assert.Error(t, err)
}

func TestEntryShot(t *testing.T) {
	tests := []struct {
		colorMode string
		expected  property.Mode
	}{
		{"rgb", property.ModeRGB24},
		{"greyscale", property.ModeRaw8},
		{"GREYSCALE", property.ModeRaw8},
		{"sepia", property.ModeRGB24},
	}

	for _, tc := range tests {
		t.Run(tc.colorMode, func(t *testing.T) {
			shot := Entry{Exposure: 2, Gain: 3, ColorMode: tc.colorMode}.Shot()
			assert.Equal(t, 2.0, shot.Exposure)
			assert.Equal(t, 3.0, shot.Gain)
			assert.Equal(t, tc.expected, shot.Mode)
		})
	}
}

func TestDiff(t *testing.T) {
	old := Config{
		Preview: {Enabled: true, Exposure: 1, Gain: 10, Period: 60, ColorMode: "rgb"},
		Testing: {Enabled: false, Period: 5, ColorMode: "rgb"},
	}
	cur := Config{
		Preview:    {Enabled: true, Exposure: 2, Gain: 10, Period: 30, ColorMode: "rgb"},
		SaveToDisk: {Enabled: true, ColorMode: "rgb"},
	}

	changes := Diff(old, cur)
	assert.Contains(t, changes, `preview.exposure: "1" => "2"`)
	assert.Contains(t, changes, `preview.period: "60" => "30"`)
	assert.Contains(t, changes, `savetodisk.enabled: "<none>" => "true"`)
	assert.Contains(t, changes, `testing.period: "5" => "<none>"`)
	assert.NotContains(t, changes, `preview.gain: "10" => "10"`)

	assert.Empty(t, Diff(old, old))
}

func TestStoreReload(t *testing.T) {
	logger, out := testLogger()
	path := filepath.Join(t.TempDir(), "schedule.yaml")
	writeSchedule(t, path, sampleSchedule)

	store, err := NewStore(path, logger)
	require.NoError(t, err)

	entry, ok := store.Entry(Preview)
	require.True(t, ok)
	assert.Equal(t, 10.0, entry.Gain)

	writeSchedule(t, path, "preview:\n  enabled: true\n  exposure: 0.5\n  gain: 20\n  period: 60\n")
	require.NoError(t, store.Reload())

	entry, _ = store.Entry(Preview)
	assert.Equal(t, 20.0, entry.Gain)
	_, ok = store.Entry(SaveToDisk)
	assert.False(t, ok)
	assert.Contains(t, out.String(), "preview.gain")

	// A broken file keeps the current schedule.
	writeSchedule(t, path, "preview: [")
	assert.Error(t, store.Reload())
	entry, _ = store.Entry(Preview)
	assert.Equal(t, 20.0, entry.Gain)
}

func TestNewStoreMissingFile(t *testing.T) {
	logger, _ := testLogger()
	_, err := NewStore(filepath.Join(t.TempDir(), "missing.yaml"), logger)
	assert.Error(t, err)
}

func TestStoreWatch(t *testing.T) {
	logger, _ := testLogger()
	path := filepath.Join(t.TempDir(), "schedule.yaml")
	writeSchedule(t, path, sampleSchedule)

	store, err := NewStore(path, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- store.Watch(ctx)
	}()

	// The watcher starts asynchronously: keep rewriting until a change lands.
	require.Eventually(t, func() bool {
		writeSchedule(t, path, "preview:\n  enabled: false\n  period: 60\n")
		entry, ok := store.Entry(Preview)
		return ok && !entry.Enabled
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
