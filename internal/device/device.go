// Package device is the camera capability boundary: open, read, release and
// a named property surface for device controls.
package device

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mikeyg42/stillwatch/internal/types"
)

// ErrNoFrame is returned by Read when the device produced nothing.
var ErrNoFrame = errors.New("device returned no frame")

// Device is a frame-producing camera handle. Implementations need not be
// safe for concurrent use; the capture source serialises access.
type Device interface {
	Open() error
	Read() (types.Frame, error)
	Release() error
	IsOpened() bool
	Get(p Property) (float64, error)
	Set(p Property, value float64) error
	String() string
}

// Property names a device control.
type Property string

const (
	PropWidth            Property = "width"
	PropHeight           Property = "height"
	PropFPS              Property = "fps"
	PropBrightness       Property = "brightness"
	PropContrast         Property = "contrast"
	PropSaturation       Property = "saturation"
	PropHue              Property = "hue"
	PropGain             Property = "gain"
	PropExposure         Property = "exposure"
	PropAutoExposure     Property = "auto_exposure"
	PropWhiteBalance     Property = "white_balance"
	PropColorTemperature Property = "color_temperature"
	PropFocus            Property = "focus"
	PropAutoFocus        Property = "auto_focus"
	PropSharpness        Property = "sharpness"
	PropGamma            Property = "gamma"
)

// Properties lists every supported control name in sorted order.
func Properties() []Property {
	out := make([]Property, 0, len(propertyIDs))
	for p := range propertyIDs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseProperty maps a user-supplied control name to a Property.
func ParseProperty(name string) (Property, error) {
	p := Property(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := propertyIDs[p]; !ok {
		return "", fmt.Errorf("unknown device property %q", name)
	}
	return p, nil
}

// DeviceError wraps a failed device operation.
type DeviceError struct {
	Op     string
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }
