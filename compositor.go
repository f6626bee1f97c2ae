package apkparser

import (
	"errors"
	"image"
	"image/draw"

	xdraw "golang.org/x/image/draw"
)

var errNoLayers = errors.New("image compositor: no layers supplied")

// DefaultImageCompositor is the default ImageCompositor (§6): resize every
// layer to the smallest layer's dimensions, then alpha-composite in order.
// This corrects the original implementation's bug of compositing only the
// first two layers (§9); every supplied layer participates.
type DefaultImageCompositor struct {
	// Scaler selects the resampling kernel; defaults to xdraw.BiLinear.
	Scaler xdraw.Scaler
}

// Composite implements ImageCompositor.
func (c DefaultImageCompositor) Composite(layers []image.Image) (image.Image, error) {
	if len(layers) == 0 {
		return nil, errNoLayers
	}

	target := layers[0].Bounds()
	for _, l := range layers[1:] {
		b := l.Bounds()
		if b.Dx()*b.Dy() < target.Dx()*target.Dy() {
			target = b
		}
	}

	scaler := c.Scaler
	if scaler == nil {
		scaler = xdraw.BiLinear
	}

	out := image.NewRGBA(image.Rect(0, 0, target.Dx(), target.Dy()))
	for _, l := range layers {
		resized := image.NewRGBA(out.Bounds())
		scaler.Scale(resized, resized.Bounds(), l, l.Bounds(), xdraw.Over, nil)
		draw.Draw(out, out.Bounds(), resized, image.Point{}, draw.Over)
	}

	return out, nil
}
