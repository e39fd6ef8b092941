package fits

import "strconv"

// Metadata is the summary of a frame exposed next to the latest preview.
type Metadata struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Color      bool    `json:"color"`
	Exposure   float64 `json:"exposure"`
	Gain       float64 `json:"gain"`
	Instrument string  `json:"instrument,omitempty"`
	Date       string  `json:"date_obs,omitempty"`
}

// ExtractMetadata reads the frame summary from a FITS buffer.
func ExtractMetadata(data []byte) (Metadata, error) {
	hdr, err := Header(data)
	if err != nil {
		return Metadata{}, err
	}

	md := Metadata{
		Instrument: hdr["INSTRUME"],
		Date:       hdr["DATE-OBS"],
		Color:      hdr["NAXIS"] == "3",
	}
	md.Width, _ = strconv.Atoi(hdr["NAXIS1"])
	md.Height, _ = strconv.Atoi(hdr["NAXIS2"])
	md.Exposure, _ = strconv.ParseFloat(hdr["EXPTIME"], 64)
	md.Gain, _ = strconv.ParseFloat(hdr["GAIN"], 64)
	return md, nil
}
