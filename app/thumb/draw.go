package thumb

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// fillRoundedRect paints r with corners of radius rad
func fillRoundedRect(img *image.RGBA, r image.Rectangle, rad int, c color.RGBA) {
	rad = min(rad, r.Dx()/2, r.Dy()/2)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			cx, cy := x, y
			switch {
			case x < r.Min.X+rad:
				cx = r.Min.X + rad
			case x >= r.Max.X-rad:
				cx = r.Max.X - rad - 1
			}
			switch {
			case y < r.Min.Y+rad:
				cy = r.Min.Y + rad
			case y >= r.Max.Y-rad:
				cy = r.Max.Y - rad - 1
			}
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= rad*rad {
				img.SetRGBA(x, y, c)
			}
		}
	}
}

// drawGlyph renders text in white, centered and scaled up so its height is about height pixels
func drawGlyph(img *image.RGBA, text string, height int) {
	face := basicfont.Face7x13
	w := font.MeasureString(face, text).Ceil()
	h := face.Metrics().Height.Ceil()
	if w == 0 || h == 0 {
		return
	}

	small := image.NewRGBA(image.Rect(0, 0, w, h))
	d := font.Drawer{Dst: small, Src: image.White, Face: face, Dot: fixed.P(0, face.Metrics().Ascent.Ceil())}
	d.DrawString(text)

	scale := max(1, height/h)
	sw, sh := w*scale, h*scale
	b := img.Bounds()
	at := image.Rect((b.Dx()-sw)/2, (b.Dy()-sh)/2, (b.Dx()-sw)/2+sw, (b.Dy()-sh)/2+sh)
	draw.NearestNeighbor.Scale(img, at, small, small.Bounds(), draw.Over, nil)
}
