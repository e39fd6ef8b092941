package property

// Mode is a CCD readout mode index as accepted by SetMode.
type Mode int

const (
	ModeRaw8 Mode = iota
	ModeRGB24
)

const (
	ModeItemRaw8  = "RAW 8 1x1"
	ModeItemRGB24 = "RGB 24 1x1"
)

var modeItems = map[Mode]string{
	ModeRaw8:  ModeItemRaw8,
	ModeRGB24: ModeItemRGB24,
}

// DefaultMode is used for every index outside the mode table.
const DefaultMode = ModeRGB24

// ModeItem returns the CCD_MODE item name for a mode index. Unknown indices
// fall back to the RGB 24 item; known reports whether the index was in the
// table.
func ModeItem(mode Mode) (item string, known bool) {
	if item, ok := modeItems[mode]; ok {
		return item, true
	}
	return modeItems[DefaultMode], false
}

// Modes lists the readout mode items in index order.
func Modes() []string {
	return []string{ModeItemRaw8, ModeItemRGB24}
}

// EncodeMode builds the CCD_MODE switch request selecting the given mode.
func EncodeMode(mode Mode) Request {
	item, _ := ModeItem(mode)
	req, _ := EncodeSwitch(ModeProperty, []string{item}, []bool{true})
	return req
}

// ParseColorMode maps a color mode name to a mode. "greyscale" selects raw
// 8 bit frames, anything else RGB.
func ParseColorMode(name string) Mode {
	if name == "greyscale" || name == "GREYSCALE" {
		return ModeRaw8
	}
	return ModeRGB24
}
