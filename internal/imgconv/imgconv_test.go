package imgconv

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/stillwatch/internal/types"
)

func testFrame() types.Frame {
	f := types.NewBlankFrame(32, 24, 3, time.Now())
	for i := 0; i < len(f.Pix); i += 3 {
		f.Pix[i], f.Pix[i+1], f.Pix[i+2] = 10, 20, 200 // mostly red in BGR
	}
	return f
}

func TestNewEncoderValidation(t *testing.T) {
	_, err := NewEncoder("gif", 90, 3)
	assert.Error(t, err)
	_, err = NewEncoder("jpg", 0, 3)
	assert.Error(t, err)
	_, err = NewEncoder("png", 90, 10)
	assert.Error(t, err)

	e, err := NewEncoder(".JPEG", 90, 3)
	require.NoError(t, err)
	assert.Equal(t, "jpg", e.Extension())
	assert.Equal(t, "image/jpeg", e.ContentType())
}

func TestEncodeJPEGAndPNG(t *testing.T) {
	f := testFrame()

	jp, err := NewEncoder("jpg", 95, 3)
	require.NoError(t, err)
	data, err := jp.Encode(f)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 24), img.Bounds())

	pn, err := NewEncoder("png", 95, 3)
	require.NoError(t, err)
	data, err = pn.Encode(f)
	require.NoError(t, err)
	img, err = png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	r, g, b, _ := img.At(5, 5).RGBA()
	assert.Equal(t, uint32(200), r>>8)
	assert.Equal(t, uint32(20), g>>8)
	assert.Equal(t, uint32(10), b>>8)
}

func TestEncodeRejectsBadFrame(t *testing.T) {
	e, err := NewEncoder("jpg", 80, 3)
	require.NoError(t, err)
	_, err = e.Encode(types.Frame{})
	assert.Error(t, err)
}

func TestImageRoundTrip(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 4, 3))
	src.Set(1, 1, color.RGBA{R: 250, G: 100, B: 5, A: 255})

	f, err := FromImage(src)
	require.NoError(t, err)
	assert.Equal(t, 3, f.Channels)
	i := (1*4 + 1) * 3
	assert.Equal(t, []byte{5, 100, 250}, f.Pix[i:i+3])

	back, err := ToImage(f)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 250, G: 100, B: 5, A: 255}, back.At(1, 1))
}

func TestPlaceholder(t *testing.T) {
	f, err := Placeholder(320, 240, "test")
	require.NoError(t, err)
	require.NoError(t, f.Validate())
	// corner is background gray
	assert.Equal(t, []byte{48, 48, 48}, f.Pix[0:3])
}
