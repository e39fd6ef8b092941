package fits

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"strconv"
)

// PreviewQuality is the JPEG quality of rendered previews.
const PreviewQuality = 90

// Frame holds the decoded samples of a primary HDU, plane after plane, with
// BZERO and BSCALE applied.
type Frame struct {
	Width   int
	Height  int
	Planes  int
	Samples []float64
}

// Decode reads the image data of an 8 or 16 bit FITS buffer.
func Decode(data []byte) (Frame, error) {
	hdr, offset, err := parseHeader(data)
	if err != nil {
		return Frame{}, err
	}

	var f Frame
	switch hdr["NAXIS"] {
	case "2":
		f.Planes = 1
	case "3":
		if f.Planes, err = strconv.Atoi(hdr["NAXIS3"]); err != nil || f.Planes < 1 {
			return Frame{}, fmt.Errorf("%w: bad NAXIS3 %q", ErrInvalidFITS, hdr["NAXIS3"])
		}
	default:
		return Frame{}, fmt.Errorf("%w: unsupported NAXIS %q", ErrInvalidFITS, hdr["NAXIS"])
	}
	f.Width, _ = strconv.Atoi(hdr["NAXIS1"])
	f.Height, _ = strconv.Atoi(hdr["NAXIS2"])
	if f.Width <= 0 || f.Height <= 0 {
		return Frame{}, fmt.Errorf("%w: bad image size %sx%s", ErrInvalidFITS, hdr["NAXIS1"], hdr["NAXIS2"])
	}

	zero, scale := 0.0, 1.0
	if v, ok := hdr["BZERO"]; ok {
		zero, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := hdr["BSCALE"]; ok {
		scale, _ = strconv.ParseFloat(v, 64)
	}

	n := f.Width * f.Height * f.Planes
	f.Samples = make([]float64, n)

	switch hdr["BITPIX"] {
	case "8":
		if len(data) < offset+n {
			return Frame{}, fmt.Errorf("%w: truncated data unit", ErrInvalidFITS)
		}
		for i, v := range data[offset : offset+n] {
			f.Samples[i] = zero + scale*float64(v)
		}
	case "16":
		if len(data) < offset+2*n {
			return Frame{}, fmt.Errorf("%w: truncated data unit", ErrInvalidFITS)
		}
		for i := range n {
			v := int16(binary.BigEndian.Uint16(data[offset+2*i:]))
			f.Samples[i] = zero + scale*float64(v)
		}
	default:
		return Frame{}, fmt.Errorf("%w: unsupported BITPIX %q", ErrInvalidFITS, hdr["BITPIX"])
	}
	return f, nil
}

// Preview stretches the frame linearly from its minimum to its maximum
// sample. A constant frame renders black. Three plane frames are rendered in
// color, anything else from the first plane.
func Preview(f Frame) image.Image {
	lo, hi := f.Samples[0], f.Samples[0]
	for _, v := range f.Samples {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	stretch := func(v float64) uint8 {
		if hi == lo {
			return 0
		}
		return uint8(255 * (v - lo) / (hi - lo))
	}

	size := f.Width * f.Height
	rect := image.Rect(0, 0, f.Width, f.Height)

	if f.Planes == 3 {
		img := image.NewRGBA(rect)
		for i := range size {
			img.SetRGBA(i%f.Width, i/f.Width, color.RGBA{
				R: stretch(f.Samples[i]),
				G: stretch(f.Samples[size+i]),
				B: stretch(f.Samples[2*size+i]),
				A: 0xff,
			})
		}
		return img
	}

	img := image.NewGray(rect)
	for i := range size {
		img.Pix[i] = stretch(f.Samples[i])
	}
	return img
}

// EncodeJPEG renders a FITS buffer as a JPEG preview.
func EncodeJPEG(data []byte) ([]byte, error) {
	f, err := Decode(data)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Preview(f), &jpeg.Options{Quality: PreviewQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode preview: %w", err)
	}
	return buf.Bytes(), nil
}
