package types

import (
	"fmt"
	"image"
)

// MinRegionSize is the smallest usable ROI edge in pixels.
const MinRegionSize = 30

// RegionOfInterest limits detection to a sub-rectangle of the frame.
type RegionOfInterest struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	X       int  `json:"x" yaml:"x"`
	Y       int  `json:"y" yaml:"y"`
	Width   int  `json:"width" yaml:"width"`
	Height  int  `json:"height" yaml:"height"`
}

// Validate checks the region geometry independent of any frame.
func (r RegionOfInterest) Validate() error {
	if !r.Enabled {
		return nil
	}
	if r.X < 0 || r.Y < 0 {
		return fmt.Errorf("region origin must be non-negative, got (%d,%d)", r.X, r.Y)
	}
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("region size must be positive, got %dx%d", r.Width, r.Height)
	}
	return nil
}

// ValidateWithin checks that the region lies inside a frame of the given size.
func (r RegionOfInterest) ValidateWithin(width, height int) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if !r.Enabled {
		return nil
	}
	if r.X+r.Width > width || r.Y+r.Height > height {
		return fmt.Errorf("region %dx%d+%d+%d exceeds frame %dx%d", r.Width, r.Height, r.X, r.Y, width, height)
	}
	return nil
}

// Rect returns the region as an image.Rectangle.
func (r RegionOfInterest) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Effective returns the rectangle used for detection in a frame of the given
// size. Regions smaller than MinRegionSize are grown around their own center,
// then everything is clipped to the frame. ok is false when the region is
// disabled or nothing of it remains inside the frame.
func (r RegionOfInterest) Effective(width, height int) (rect image.Rectangle, ok bool) {
	if !r.Enabled || width <= 0 || height <= 0 {
		return image.Rectangle{}, false
	}
	x, y, w, h := r.X, r.Y, r.Width, r.Height
	if w < MinRegionSize {
		cx := 2*x + w
		w = MinRegionSize
		x = (cx - w) / 2
	}
	if h < MinRegionSize {
		cy := 2*y + h
		h = MinRegionSize
		y = (cy - h) / 2
	}
	rect = image.Rect(x, y, x+w, y+h).Intersect(image.Rect(0, 0, width, height))
	if rect.Empty() {
		return image.Rectangle{}, false
	}
	return rect, true
}
