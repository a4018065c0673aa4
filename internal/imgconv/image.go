package imgconv

import (
	"fmt"
	"image"
	"image/color"

	"github.com/mikeyg42/stillwatch/internal/types"
)

// ToImage converts a BGR, BGRA or gray frame into an image.Image without
// touching OpenCV.
func ToImage(f types.Frame) (image.Image, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("imgconv: %w", err)
	}

	if f.Channels == 1 {
		img := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
		copy(img.Pix, f.Pix)
		return img, nil
	}

	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	src, dst := 0, 0
	for i := 0; i < f.Width*f.Height; i++ {
		img.Pix[dst] = f.Pix[src+2]
		img.Pix[dst+1] = f.Pix[src+1]
		img.Pix[dst+2] = f.Pix[src]
		img.Pix[dst+3] = 255
		if f.Channels == 4 {
			img.Pix[dst+3] = f.Pix[src+3]
		}
		src += f.Channels
		dst += 4
	}
	return img, nil
}

// FromImage converts any image.Image to a packed BGR frame.
func FromImage(img image.Image) (types.Frame, error) {
	if img == nil {
		return types.Frame{}, fmt.Errorf("imgconv: nil image")
	}
	b := img.Bounds()
	if b.Empty() {
		return types.Frame{}, fmt.Errorf("imgconv: empty image bounds")
	}

	f := types.Frame{Width: b.Dx(), Height: b.Dy(), Channels: 3}
	f.Pix = make([]byte, f.Size())
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			f.Pix[i], f.Pix[i+1], f.Pix[i+2] = c.B, c.G, c.R
			i += 3
		}
	}
	return f, nil
}
