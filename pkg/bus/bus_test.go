package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skycam/pkg/property"
)

type call struct {
	op     string
	device string
	name   string
	items  []string
	values any
}

type recordingBus struct {
	calls []call
}

func (b *recordingBus) SetLogLevel(LogLevel)                 {}
func (b *recordingBus) Start() error                         { return nil }
func (b *recordingBus) Stop() error                          { return nil }
func (b *recordingBus) AttachClient(Listener) error          { return nil }
func (b *recordingBus) DetachClient(Listener) error          { return nil }
func (b *recordingBus) LoadDriver(string) (Driver, error)    { return nil, nil }
func (b *recordingBus) RemoveDriver(Driver) error            { return nil }
func (b *recordingBus) DisconnectDevice(device string) error { return nil }

func (b *recordingBus) ChangeNumberProperty(device, name string, items []string, values []float64) error {
	b.calls = append(b.calls, call{"number", device, name, items, values})
	return nil
}

func (b *recordingBus) ChangeSwitchProperty(device, name string, items []string, values []bool) error {
	b.calls = append(b.calls, call{"switch", device, name, items, values})
	return nil
}

func (b *recordingBus) ChangeTextProperty(device, name string, items []string, values []string) error {
	b.calls = append(b.calls, call{"text", device, name, items, values})
	return nil
}

func TestSend(t *testing.T) {
	b := &recordingBus{}

	num, err := property.EncodeNumeric(property.GainProperty, []string{property.GainItem}, []float64{50})
	require.NoError(t, err)
	txt, err := property.EncodeText("FILE", []string{"PATH"}, []string{"/x"})
	require.NoError(t, err)

	require.NoError(t, Send(b, "CCD-1", num))
	require.NoError(t, Send(b, "CCD-1", property.EncodeMode(property.ModeRaw8)))
	require.NoError(t, Send(b, "CCD-1", txt))

	require.Len(t, b.calls, 3)
	assert.Equal(t, call{"number", "CCD-1", "CCD_GAIN", []string{"GAIN"}, []float64{50}}, b.calls[0])
	assert.Equal(t, call{"switch", "CCD-1", "CCD_MODE", []string{"RAW 8 1x1"}, []bool{true}}, b.calls[1])
	assert.Equal(t, "text", b.calls[2].op)
}

func TestSendUnknownKind(t *testing.T) {
	err := Send(&recordingBus{}, "CCD-1", property.Request{Name: "P", Kind: property.Kind(9)})
	assert.ErrorIs(t, err, property.ErrInvalidArgument)
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "info", LogInfo.String())
	assert.Equal(t, "LogLevel(12)", LogLevel(12).String())
}

func TestParseLogLevel(t *testing.T) {
	for l := LogPlain; l <= LogTrace; l++ {
		parsed, err := ParseLogLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, parsed)
	}

	_, err := ParseLogLevel("verbose")
	assert.Error(t, err)
}
