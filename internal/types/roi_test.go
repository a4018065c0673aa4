package types

import (
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionEffective(t *testing.T) {
	tests := []struct {
		name   string
		roi    RegionOfInterest
		w, h   int
		want   image.Rectangle
		wantOK bool
	}{
		{
			name: "disabled",
			roi:  RegionOfInterest{Enabled: false, X: 0, Y: 0, Width: 50, Height: 50},
			w: 640, h: 480,
		},
		{
			name:   "large region unchanged",
			roi:    RegionOfInterest{Enabled: true, X: 100, Y: 50, Width: 200, Height: 100},
			w: 640, h: 480,
			want:   image.Rect(100, 50, 300, 150),
			wantOK: true,
		},
		{
			name:   "small region grown around center",
			roi:    RegionOfInterest{Enabled: true, X: 100, Y: 100, Width: 10, Height: 20},
			w: 640, h: 480,
			want:   image.Rect(90, 95, 120, 125),
			wantOK: true,
		},
		{
			name:   "grown region clipped at origin",
			roi:    RegionOfInterest{Enabled: true, X: 0, Y: 0, Width: 10, Height: 10},
			w: 640, h: 480,
			want:   image.Rect(0, 0, 20, 20),
			wantOK: true,
		},
		{
			name:   "region clipped to frame",
			roi:    RegionOfInterest{Enabled: true, X: 600, Y: 400, Width: 100, Height: 100},
			w: 640, h: 480,
			want:   image.Rect(600, 400, 640, 480),
			wantOK: true,
		},
		{
			name: "region outside frame",
			roi:  RegionOfInterest{Enabled: true, X: 700, Y: 500, Width: 100, Height: 100},
			w: 640, h: 480,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.roi.Effective(tt.w, tt.h)
			require.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestRegionExpansionKeepsCenter(t *testing.T) {
	for _, size := range []int{2, 8, 14, 28} {
		roi := RegionOfInterest{Enabled: true, X: 200, Y: 150, Width: size, Height: size}
		rect, ok := roi.Effective(640, 480)
		require.True(t, ok)

		assert.Equal(t, MinRegionSize, rect.Dx())
		assert.Equal(t, MinRegionSize, rect.Dy())
		// doubled coordinates avoid rounding for even sizes
		assert.Equal(t, 2*roi.X+roi.Width, rect.Min.X+rect.Max.X)
		assert.Equal(t, 2*roi.Y+roi.Height, rect.Min.Y+rect.Max.Y)
	}
}

func TestRegionValidate(t *testing.T) {
	assert.NoError(t, RegionOfInterest{}.Validate())
	assert.NoError(t, RegionOfInterest{Enabled: true, X: 0, Y: 0, Width: 1, Height: 1}.Validate())
	assert.Error(t, RegionOfInterest{Enabled: true, X: -1, Y: 0, Width: 10, Height: 10}.Validate())
	assert.Error(t, RegionOfInterest{Enabled: true, X: 0, Y: 0, Width: 0, Height: 10}.Validate())

	roi := RegionOfInterest{Enabled: true, X: 600, Y: 0, Width: 100, Height: 10}
	assert.NoError(t, roi.Validate())
	assert.Error(t, roi.ValidateWithin(640, 480))
	assert.NoError(t, roi.ValidateWithin(1280, 720))
}

func TestFrameValidateAndClone(t *testing.T) {
	f := NewBlankFrame(4, 2, 3, time.Time{})
	require.NoError(t, f.Validate())
	assert.Len(t, f.Pix, 24)

	c := f.Clone()
	c.Pix[0] = 255
	assert.Equal(t, byte(0), f.Pix[0])

	buf := make([]byte, 0, 64)
	cp := f.CopyInto(buf)
	assert.Len(t, cp.Pix, 24)

	bad := f
	bad.Pix = bad.Pix[:10]
	assert.Error(t, bad.Validate())
	assert.True(t, Frame{}.Empty())
}
