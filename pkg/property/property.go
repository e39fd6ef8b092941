// Package property encodes device property changes into bus-neutral requests.
package property

import (
	"errors"
	"fmt"
)

// Names of the CCD properties and items understood by the device bus.
const (
	ExposureProperty = "CCD_EXPOSURE"
	ExposureItem     = "EXPOSURE"
	GainProperty     = "CCD_GAIN"
	GainItem         = "GAIN"
	ModeProperty     = "CCD_MODE"
	ImageProperty    = "CCD_IMAGE"
	ImageItem        = "IMAGE"

	ConnectionProperty = "CONNECTION"
)

var ErrInvalidArgument = errors.New("invalid argument")

type Kind int

const (
	KindNumber Kind = iota
	KindSwitch
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindSwitch:
		return "switch"
	case KindText:
		return "text"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Request is a change of one device property. Only the value slice matching
// Kind is populated. A Request is built once per call and not modified after.
type Request struct {
	Name     string
	Kind     Kind
	Items    []string
	Numbers  []float64
	Switches []bool
	Texts    []string
}

// Len returns the number of items in the request.
func (r Request) Len() int {
	return len(r.Items)
}

func validate(name string, items int, values int) error {
	if name == "" {
		return fmt.Errorf("%w: empty property name", ErrInvalidArgument)
	}
	if items == 0 {
		return fmt.Errorf("%w: property %s has no items", ErrInvalidArgument, name)
	}
	if items != values {
		return fmt.Errorf("%w: property %s has %d items but %d values", ErrInvalidArgument, name, items, values)
	}
	return nil
}

// EncodeNumeric builds a number property request.
func EncodeNumeric(name string, items []string, values []float64) (Request, error) {
	if err := validate(name, len(items), len(values)); err != nil {
		return Request{}, err
	}
	return Request{
		Name:    name,
		Kind:    KindNumber,
		Items:   append([]string(nil), items...),
		Numbers: append([]float64(nil), values...),
	}, nil
}

// EncodeSwitch builds a switch property request.
func EncodeSwitch(name string, items []string, flags []bool) (Request, error) {
	if err := validate(name, len(items), len(flags)); err != nil {
		return Request{}, err
	}
	return Request{
		Name:     name,
		Kind:     KindSwitch,
		Items:    append([]string(nil), items...),
		Switches: append([]bool(nil), flags...),
	}, nil
}

// EncodeText builds a text property request.
func EncodeText(name string, items []string, values []string) (Request, error) {
	if err := validate(name, len(items), len(values)); err != nil {
		return Request{}, err
	}
	return Request{
		Name:  name,
		Kind:  KindText,
		Items: append([]string(nil), items...),
		Texts: append([]string(nil), values...),
	}, nil
}
