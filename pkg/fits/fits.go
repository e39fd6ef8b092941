// Package fits writes and reads the small subset of FITS used for CCD frames:
// a primary HDU with an 8 bit image and header keywords.
package fits

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	blockSize = 2880
	cardSize  = 80
)

var ErrInvalidFITS = errors.New("invalid FITS data")

// Image is an 8 bit image with one (greyscale) or three (RGB) planes stored
// plane after plane.
type Image struct {
	Width  int
	Height int
	Planes int
	Pixels []byte

	Exposure   float64
	Gain       float64
	Instrument string
	Date       time.Time
}

// Encode serializes img as a FITS primary HDU.
func Encode(img Image) ([]byte, error) {
	if img.Planes != 1 && img.Planes != 3 {
		return nil, fmt.Errorf("unsupported number of planes: %d", img.Planes)
	}
	if len(img.Pixels) != img.Width*img.Height*img.Planes {
		return nil, fmt.Errorf("pixel buffer has %d bytes, want %d", len(img.Pixels), img.Width*img.Height*img.Planes)
	}

	var buf bytes.Buffer
	writeCard(&buf, "SIMPLE", "T")
	writeCard(&buf, "BITPIX", "8")
	if img.Planes == 1 {
		writeCard(&buf, "NAXIS", "2")
	} else {
		writeCard(&buf, "NAXIS", "3")
	}
	writeCard(&buf, "NAXIS1", strconv.Itoa(img.Width))
	writeCard(&buf, "NAXIS2", strconv.Itoa(img.Height))
	if img.Planes == 3 {
		writeCard(&buf, "NAXIS3", "3")
	}
	writeCard(&buf, "EXPTIME", strconv.FormatFloat(img.Exposure, 'G', -1, 64))
	writeCard(&buf, "GAIN", strconv.FormatFloat(img.Gain, 'G', -1, 64))
	if img.Instrument != "" {
		writeCard(&buf, "INSTRUME", quote(img.Instrument))
	}
	if !img.Date.IsZero() {
		writeCard(&buf, "DATE-OBS", quote(img.Date.UTC().Format("2006-01-02T15:04:05")))
	}
	buf.WriteString(pad("END", cardSize))
	pad2880(&buf, ' ')

	buf.Write(img.Pixels)
	pad2880(&buf, 0)
	return buf.Bytes(), nil
}

func writeCard(b *bytes.Buffer, key, value string) {
	var card string
	if strings.HasPrefix(value, "'") {
		card = fmt.Sprintf("%-8s= %s", key, value)
	} else {
		card = fmt.Sprintf("%-8s= %20s", key, value)
	}
	b.WriteString(pad(card, cardSize))
}

func quote(s string) string {
	s = strings.ReplaceAll(s, "'", "''")
	return fmt.Sprintf("'%-8s'", s)
}

func pad(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}

func pad2880(b *bytes.Buffer, fill byte) {
	if rem := b.Len() % blockSize; rem != 0 {
		b.Write(bytes.Repeat([]byte{fill}, blockSize-rem))
	}
}

// Header reads the primary header keywords of a FITS buffer. String values
// are returned without quotes, comments are dropped.
func Header(data []byte) (map[string]string, error) {
	hdr, _, err := parseHeader(data)
	return hdr, err
}

// parseHeader also returns the offset of the data unit.
func parseHeader(data []byte) (map[string]string, int, error) {
	if len(data) < blockSize || !bytes.HasPrefix(data, []byte("SIMPLE")) {
		return nil, 0, ErrInvalidFITS
	}

	hdr := make(map[string]string)
	for off := 0; off+cardSize <= len(data); off += cardSize {
		card := string(data[off : off+cardSize])
		key := strings.TrimSpace(card[:8])
		if key == "END" {
			end := off + cardSize
			return hdr, (end + blockSize - 1) / blockSize * blockSize, nil
		}
		if len(card) < 10 || card[8:10] != "= " {
			continue
		}
		hdr[key] = parseValue(card[10:])
	}
	return nil, 0, fmt.Errorf("%w: missing END card", ErrInvalidFITS)
}

func parseValue(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "'") {
		var sb strings.Builder
		for i := 1; i < len(raw); i++ {
			if raw[i] == '\'' {
				if i+1 < len(raw) && raw[i+1] == '\'' {
					sb.WriteByte('\'')
					i++
					continue
				}
				break
			}
			sb.WriteByte(raw[i])
		}
		return strings.TrimRight(sb.String(), " ")
	}
	if i := strings.IndexByte(raw, '/'); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimSpace(raw)
}
