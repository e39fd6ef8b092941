package fits

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeLayout(t *testing.T) {
	img := Image{Width: 4, Height: 2, Planes: 1, Pixels: make([]byte, 8), Exposure: 2.5, Gain: 50}
	data, err := Encode(img)
	require.NoError(t, err)

	assert.Equal(t, 2*blockSize, len(data))
	assert.Equal(t, "SIMPLE  =                    T", string(data[:30]))
}

func TestEncodeRejectsBadImages(t *testing.T) {
	_, err := Encode(Image{Width: 2, Height: 2, Planes: 2, Pixels: make([]byte, 8)})
	assert.Error(t, err)

	_, err = Encode(Image{Width: 2, Height: 2, Planes: 1, Pixels: make([]byte, 3)})
	assert.Error(t, err)
}

func TestMetadataRoundTrip(t *testing.T) {
	date := time.Date(2020, 10, 15, 19, 21, 39, 0, time.UTC)
	img := Image{
		Width:      3,
		Height:     2,
		Planes:     3,
		Pixels:     make([]byte, 18),
		Exposure:   0.25,
		Gain:       10,
		Instrument: "CCD Imager Simulator",
		Date:       date,
	}
	data, err := Encode(img)
	require.NoError(t, err)

	md, err := ExtractMetadata(data)
	require.NoError(t, err)
	assert.Equal(t, Metadata{
		Width:      3,
		Height:     2,
		Color:      true,
		Exposure:   0.25,
		Gain:       10,
		Instrument: "CCD Imager Simulator",
		Date:       "2020-10-15T19:21:39",
	}, md)
}

func TestHeaderErrors(t *testing.T) {
	_, err := Header([]byte("not a fits file"))
	assert.ErrorIs(t, err, ErrInvalidFITS)

	noEnd := make([]byte, blockSize)
	copy(noEnd, "SIMPLE  =                    T")
	_, err = Header(noEnd)
	assert.ErrorIs(t, err, ErrInvalidFITS)
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, "12", parseValue("                  12 / pixels"))
	assert.Equal(t, "O'Brien", parseValue("'O''Brien' / observer"))
	assert.Equal(t, "a/b", parseValue("'a/b     '"))
}
