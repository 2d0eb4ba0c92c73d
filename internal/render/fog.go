// Package render composites the shared session state into pixels: fog-of-war
// masks, the map frame with tokens and HP bars, and canvas hit-testing.
// Everything here is pure with respect to the store; rendering twice with
// identical inputs yields identical pixels.
package render

import (
	"image"
	"image/color"

	"loreforge.gg/internal/session"
)

// FogMask builds the visibility mask for a map of w x h pixels: fully opaque
// everywhere, with a fully transparent circular cutout of each token's
// reveal radius. Returns nil when fog is disabled.
func FogMask(w, h int, tokens []session.Token, enabled bool) *image.Alpha {
	if !enabled {
		return nil
	}
	mask := image.NewAlpha(image.Rect(0, 0, w, h))
	for i := range mask.Pix {
		mask.Pix[i] = 0xff
	}
	for _, t := range tokens {
		clearCircle(mask, t.X, t.Y, t.RevealRadius)
	}
	return mask
}

func clearCircle(mask *image.Alpha, cx, cy, r float64) {
	if r <= 0 {
		return
	}
	b := mask.Bounds()
	x0 := clampInt(int(cx-r), b.Min.X, b.Max.X)
	x1 := clampInt(int(cx+r)+1, b.Min.X, b.Max.X)
	y0 := clampInt(int(cy-r), b.Min.Y, b.Max.Y)
	y1 := clampInt(int(cy+r)+1, b.Min.Y, b.Max.Y)
	rr := r * r
	for y := y0; y < y1; y++ {
		dy := float64(y) + 0.5 - cy
		for x := x0; x < x1; x++ {
			dx := float64(x) + 0.5 - cx
			if dx*dx+dy*dy <= rr {
				mask.SetAlpha(x, y, color.Alpha{})
			}
		}
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
