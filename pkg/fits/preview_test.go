package fits

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/jpeg"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encode16 builds a signed 16 bit greyscale FITS buffer.
func encode16(t *testing.T, width, height int, zero float64, raw []int16) []byte {
	t.Helper()
	require.Len(t, raw, width*height)

	var buf bytes.Buffer
	writeCard(&buf, "SIMPLE", "T")
	writeCard(&buf, "BITPIX", "16")
	writeCard(&buf, "NAXIS", "2")
	writeCard(&buf, "NAXIS1", strconv.Itoa(width))
	writeCard(&buf, "NAXIS2", strconv.Itoa(height))
	writeCard(&buf, "BZERO", strconv.FormatFloat(zero, 'G', -1, 64))
	buf.WriteString(pad("END", cardSize))
	pad2880(&buf, ' ')
	for _, v := range raw {
		binary.Write(&buf, binary.BigEndian, v)
	}
	pad2880(&buf, 0)
	return buf.Bytes()
}

func TestDecode8Bit(t *testing.T) {
	data, err := Encode(Image{Width: 2, Height: 1, Planes: 3, Pixels: []byte{1, 2, 3, 4, 5, 6}})
	require.NoError(t, err)

	f, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, Frame{Width: 2, Height: 1, Planes: 3, Samples: []float64{1, 2, 3, 4, 5, 6}}, f)
}

func TestDecode16Bit(t *testing.T) {
	data := encode16(t, 3, 1, 32768, []int16{-32768, 0, 32767})

	f, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 32768, 65535}, f.Samples)
}

func TestDecodeErrors(t *testing.T) {
	valid, err := Encode(Image{Width: 4, Height: 2, Planes: 1, Pixels: make([]byte, 8)})
	require.NoError(t, err)

	_, err = Decode([]byte("not fits"))
	assert.ErrorIs(t, err, ErrInvalidFITS)

	_, err = Decode(valid[:blockSize+4])
	assert.ErrorIs(t, err, ErrInvalidFITS)
}

func TestPreviewStretch(t *testing.T) {
	img := Preview(Frame{Width: 3, Height: 1, Planes: 1, Samples: []float64{1000, 1127.5, 1255}})

	gray, ok := img.(*image.Gray)
	require.True(t, ok)
	assert.Equal(t, []uint8{0, 127, 255}, gray.Pix)
}

func TestPreviewConstantFrame(t *testing.T) {
	img := Preview(Frame{Width: 2, Height: 2, Planes: 1, Samples: []float64{42, 42, 42, 42}})

	gray, ok := img.(*image.Gray)
	require.True(t, ok)
	assert.Equal(t, []uint8{0, 0, 0, 0}, gray.Pix)
}

func TestPreviewColor(t *testing.T) {
	// One pixel per plane: red at the maximum, blue at the minimum.
	img := Preview(Frame{Width: 1, Height: 1, Planes: 3, Samples: []float64{10, 5, 0}})

	r, g, b, _ := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Equal(t, uint32(127*0x101), g)
	assert.Equal(t, uint32(0), b)
}

func TestEncodeJPEG(t *testing.T) {
	data := encode16(t, 4, 2, 32768, []int16{0, 100, 200, 300, 400, 500, 600, 700})

	out, err := EncodeJPEG(data)
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 2), img.Bounds())

	_, err = EncodeJPEG([]byte("not fits"))
	assert.ErrorIs(t, err, ErrInvalidFITS)
}
