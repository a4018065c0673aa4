package device

import (
	"errors"
	"fmt"
	"time"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/stillwatch/internal/types"
)

var propertyIDs = map[Property]gocv.VideoCaptureProperties{
	PropWidth:            gocv.VideoCaptureFrameWidth,
	PropHeight:           gocv.VideoCaptureFrameHeight,
	PropFPS:              gocv.VideoCaptureFPS,
	PropBrightness:       gocv.VideoCaptureBrightness,
	PropContrast:         gocv.VideoCaptureContrast,
	PropSaturation:       gocv.VideoCaptureSaturation,
	PropHue:              gocv.VideoCaptureHue,
	PropGain:             gocv.VideoCaptureGain,
	PropExposure:         gocv.VideoCaptureExposure,
	PropAutoExposure:     gocv.VideoCaptureAutoExposure,
	PropWhiteBalance:     gocv.VideoCaptureWhiteBalanceBlueU,
	PropColorTemperature: gocv.VideoCaptureTemperature,
	PropFocus:            gocv.VideoCaptureFocus,
	PropAutoFocus:        gocv.VideoCaptureAutoFocus,
	PropSharpness:        gocv.VideoCaptureSharpness,
	PropGamma:            gocv.VideoCaptureGamma,
}

// Config selects and shapes a capture device.
type Config struct {
	Index  int
	Source string // file path or stream URL; overrides Index when set
	Width  int
	Height int
	FPS    int
}

// VideoCapture is a Device backed by an OpenCV VideoCapture.
type VideoCapture struct {
	cfg Config
	vc  *gocv.VideoCapture
	img gocv.Mat
}

// NewVideoCapture returns an unopened device.
func NewVideoCapture(cfg Config) *VideoCapture {
	return &VideoCapture{cfg: cfg}
}

func (d *VideoCapture) String() string {
	if d.cfg.Source != "" {
		return d.cfg.Source
	}
	return fmt.Sprintf("camera:%d", d.cfg.Index)
}

// Open acquires the device and applies the requested geometry.
func (d *VideoCapture) Open() error {
	if d.vc != nil {
		return nil
	}

	var (
		vc  *gocv.VideoCapture
		err error
	)
	if d.cfg.Source != "" {
		vc, err = gocv.OpenVideoCapture(d.cfg.Source)
	} else {
		vc, err = gocv.VideoCaptureDevice(d.cfg.Index)
	}
	if err != nil {
		return &DeviceError{Op: "open", Device: d.String(), Err: err}
	}
	if !vc.IsOpened() {
		vc.Close()
		return &DeviceError{Op: "open", Device: d.String(), Err: errors.New("device not available")}
	}

	// Keep latency low: only the newest frame matters.
	vc.Set(gocv.VideoCaptureBufferSize, 1)
	if d.cfg.Width > 0 && d.cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(d.cfg.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(d.cfg.Height))
	}
	if d.cfg.FPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(d.cfg.FPS))
	}

	d.vc = vc
	d.img = gocv.NewMat()
	return nil
}

// Read blocks for the next frame and returns it as packed bytes.
func (d *VideoCapture) Read() (types.Frame, error) {
	if d.vc == nil {
		return types.Frame{}, &DeviceError{Op: "read", Device: d.String(), Err: errors.New("device not open")}
	}
	if ok := d.vc.Read(&d.img); !ok || d.img.Empty() {
		return types.Frame{}, &DeviceError{Op: "read", Device: d.String(), Err: ErrNoFrame}
	}

	return types.Frame{
		Timestamp: time.Now(),
		Width:     d.img.Cols(),
		Height:    d.img.Rows(),
		Channels:  d.img.Channels(),
		Pix:       d.img.ToBytes(),
	}, nil
}

// Release closes the device. Safe to call repeatedly.
func (d *VideoCapture) Release() error {
	if d.vc == nil {
		return nil
	}
	err := d.vc.Close()
	d.img.Close()
	d.vc = nil
	if err != nil {
		return &DeviceError{Op: "release", Device: d.String(), Err: err}
	}
	return nil
}

func (d *VideoCapture) IsOpened() bool {
	return d.vc != nil && d.vc.IsOpened()
}

// Get reads a control value from the open device.
func (d *VideoCapture) Get(p Property) (float64, error) {
	id, ok := propertyIDs[p]
	if !ok {
		return 0, fmt.Errorf("unknown device property %q", p)
	}
	if d.vc == nil {
		return 0, &DeviceError{Op: "get " + string(p), Device: d.String(), Err: errors.New("device not open")}
	}
	return d.vc.Get(id), nil
}

// Set writes a control value. Drivers may silently ignore unsupported values.
func (d *VideoCapture) Set(p Property, value float64) error {
	id, ok := propertyIDs[p]
	if !ok {
		return fmt.Errorf("unknown device property %q", p)
	}
	if d.vc == nil {
		return &DeviceError{Op: "set " + string(p), Device: d.String(), Err: errors.New("device not open")}
	}
	d.vc.Set(id, value)
	return nil
}
