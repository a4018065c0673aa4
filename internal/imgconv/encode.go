// Package imgconv converts captured frames to encoded images and back to
// Go image types.
package imgconv

import (
	"fmt"
	"image"
	"image/color"
	"strings"
	"time"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/stillwatch/internal/types"
)

// Encoder turns frames into JPEG or PNG bytes.
type Encoder struct {
	format         string
	jpegQuality    int
	pngCompression int
}

// NewEncoder validates the format settings. format is "jpg" or "png".
func NewEncoder(format string, jpegQuality, pngCompression int) (*Encoder, error) {
	format = strings.ToLower(strings.TrimPrefix(format, "."))
	if format == "jpeg" {
		format = "jpg"
	}
	if format != "jpg" && format != "png" {
		return nil, fmt.Errorf("imgconv: unsupported format %q", format)
	}
	if jpegQuality < 1 || jpegQuality > 100 {
		return nil, fmt.Errorf("imgconv: jpeg quality %d out of range [1, 100]", jpegQuality)
	}
	if pngCompression < 0 || pngCompression > 9 {
		return nil, fmt.Errorf("imgconv: png compression %d out of range [0, 9]", pngCompression)
	}
	return &Encoder{format: format, jpegQuality: jpegQuality, pngCompression: pngCompression}, nil
}

// Extension is the file extension without a dot.
func (e *Encoder) Extension() string { return e.format }

// ContentType is the MIME type of the encoded output.
func (e *Encoder) ContentType() string {
	if e.format == "png" {
		return "image/png"
	}
	return "image/jpeg"
}

// Encode compresses f in the configured format.
func (e *Encoder) Encode(f types.Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("imgconv: %w", err)
	}

	mat, err := ToMat(f)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	ext, params := gocv.JPEGFileExt, []int{int(gocv.IMWriteJpegQuality), e.jpegQuality}
	if e.format == "png" {
		ext, params = gocv.PNGFileExt, []int{int(gocv.IMWritePngCompression), e.pngCompression}
	}

	buf, err := gocv.IMEncodeWithParams(ext, mat, params)
	if err != nil {
		return nil, fmt.Errorf("imgconv: encode %s: %w", e.format, err)
	}
	defer buf.Close()

	// the native buffer is freed on Close
	return append([]byte(nil), buf.GetBytes()...), nil
}

// ToMat wraps a frame in a BGR Mat. The caller owns the Mat and must Close it.
func ToMat(f types.Frame) (gocv.Mat, error) {
	src, err := gocv.NewMatFromBytes(f.Height, f.Width, matType(f.Channels), f.Pix)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("imgconv: wrap frame: %w", err)
	}
	if f.Channels == 3 {
		return src, nil
	}
	defer src.Close()

	bgr := gocv.NewMat()
	code := gocv.ColorGrayToBGR
	if f.Channels == 4 {
		code = gocv.ColorBGRAToBGR
	}
	gocv.CvtColor(src, &bgr, code)
	return bgr, nil
}

// Placeholder renders a labelled test card, used when no camera frame is
// available for a test message.
func Placeholder(width, height int, label string) (types.Frame, error) {
	mat := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
	defer mat.Close()

	mat.SetTo(gocv.NewScalar(48, 48, 48, 0))
	gocv.Rectangle(&mat, image.Rect(10, 10, width-10, height-10), color.RGBA{R: 0, G: 200, B: 255, A: 0}, 3)
	gocv.PutText(&mat, label, image.Pt(30, height/2), gocv.FontHersheySimplex, 1.0, color.RGBA{R: 255, G: 255, B: 255, A: 0}, 2)
	gocv.PutText(&mat, time.Now().Format("2006-01-02 15:04:05"), image.Pt(30, height/2+40),
		gocv.FontHersheySimplex, 0.7, color.RGBA{R: 200, G: 200, B: 200, A: 0}, 1)

	return types.Frame{
		Timestamp: time.Now(),
		Width:     width,
		Height:    height,
		Channels:  3,
		Pix:       mat.ToBytes(),
	}, nil
}

func matType(channels int) gocv.MatType {
	switch channels {
	case 1:
		return gocv.MatTypeCV8UC1
	case 4:
		return gocv.MatTypeCV8UC4
	default:
		return gocv.MatTypeCV8UC3
	}
}
