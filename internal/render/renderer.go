package render

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"sync"

	"loreforge.gg/internal/session"
)

var (
	defaultTokenColor = color.RGBA{0x7c, 0x3a, 0xed, 0xff} // the classic purple
	hpGreen           = color.RGBA{0x22, 0xc5, 0x5e, 0xff}
	hpAmber           = color.RGBA{0xf5, 0x9e, 0x0b, 0xff}
	hpRed             = color.RGBA{0xef, 0x44, 0x44, 0xff}
	hpTrack           = color.RGBA{0x1f, 0x29, 0x37, 0xff}
)

// HPColor buckets the fill color of an HP bar. Green above half, red below a
// fifth; exactly one fifth is still amber.
func HPColor(hp, maxHP int) color.RGBA {
	if maxHP <= 0 {
		return hpRed
	}
	f := float64(hp) / float64(maxHP)
	switch {
	case f > 0.5:
		return hpGreen
	case f < 0.2:
		return hpRed
	default:
		return hpAmber
	}
}

// Renderer composites frames for one session. The only state it keeps is the
// decoded background image, cached per URL; replacing the map invalidates it.
type Renderer struct {
	mu        sync.Mutex
	cachedURL string
	cachedImg image.Image
}

func NewRenderer() *Renderer {
	return &Renderer{}
}

// Background returns the decoded map image for url, fetching through load on
// a cache miss. A changed url drops the previous image and its dimensions.
func (r *Renderer) Background(url string, load func(url string) (image.Image, error)) (image.Image, error) {
	r.mu.Lock()
	if url != "" && url == r.cachedURL {
		img := r.cachedImg
		r.mu.Unlock()
		return img, nil
	}
	r.mu.Unlock()

	img, err := load(url)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cachedURL = url
	r.cachedImg = img
	r.mu.Unlock()
	return img, nil
}

// Frame paints one complete frame: background at native resolution, tokens
// in list order (portrait disc, or solid disc without one), an HP bar under
// each token, then the fog mask on top. Pure function of its inputs.
func (r *Renderer) Frame(bg image.Image, tokens []session.Token, portraits map[string]image.Image, fog *image.Alpha) *image.RGBA {
	bounds := image.Rect(0, 0, 800, 600)
	if bg != nil {
		bounds = image.Rect(0, 0, bg.Bounds().Dx(), bg.Bounds().Dy())
	}
	dst := image.NewRGBA(bounds)
	if bg != nil {
		draw.Draw(dst, bounds, bg, bg.Bounds().Min, draw.Src)
	}

	for _, t := range tokens {
		drawToken(dst, t, portraits[t.ID])
		drawHPBar(dst, t)
	}

	if fog != nil {
		draw.DrawMask(dst, bounds, image.NewUniform(color.RGBA{0, 0, 0, 0xff}), image.Point{}, fog, image.Point{}, draw.Over)
	}
	return dst
}

func drawToken(dst *image.RGBA, t session.Token, portrait image.Image) {
	radius := t.Size / 2
	if radius <= 0 {
		radius = session.DefaultTokenSize / 2
	}
	disc := &circle{cx: t.X, cy: t.Y, r: radius}
	box := disc.Bounds()

	if portrait != nil {
		// Clip the portrait to the disc, scaled by nearest neighbour.
		scaleDrawMask(dst, box, portrait, disc)
		return
	}
	col := parseHexColor(t.Color)
	draw.DrawMask(dst, box, image.NewUniform(col), image.Point{}, disc, box.Min, draw.Over)
}

// scaleDrawMask draws src scaled into box on dst, masked by the disc.
func scaleDrawMask(dst *image.RGBA, box image.Rectangle, src image.Image, disc *circle) {
	sb := src.Bounds()
	for y := box.Min.Y; y < box.Max.Y; y++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			if disc.alphaAt(x, y) == 0 {
				continue
			}
			sx := sb.Min.X + (x-box.Min.X)*sb.Dx()/box.Dx()
			sy := sb.Min.Y + (y-box.Min.Y)*sb.Dy()/box.Dy()
			if (image.Point{x, y}).In(dst.Bounds()) {
				dst.Set(x, y, src.At(sx, sy))
			}
		}
	}
}

func drawHPBar(dst *image.RGBA, t session.Token) {
	if t.MaxHP <= 0 {
		return
	}
	size := t.Size
	if size <= 0 {
		size = session.DefaultTokenSize
	}
	w := int(size)
	x0 := int(t.X - size/2)
	y0 := int(t.Y + size/2 + 2)
	track := image.Rect(x0, y0, x0+w, y0+hpBarHeight)
	draw.Draw(dst, track.Intersect(dst.Bounds()), image.NewUniform(hpTrack), image.Point{}, draw.Src)

	frac := float64(t.HP) / float64(t.MaxHP)
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	fill := image.Rect(x0, y0, x0+int(float64(w)*frac), y0+hpBarHeight)
	draw.Draw(dst, fill.Intersect(dst.Bounds()), image.NewUniform(HPColor(t.HP, t.MaxHP)), image.Point{}, draw.Src)
}

const hpBarHeight = 6

// FindTokenAt hit-tests the rendered token list: a hit is a point within
// half the token's size of its center. Among overlapping tokens the
// most-recently-listed one wins; callers pass the same ordering they render
// with, so clicks match what is on top.
func FindTokenAt(tokens []session.Token, x, y float64) (string, bool) {
	found := ""
	for _, t := range tokens {
		size := t.Size
		if size <= 0 {
			size = session.DefaultTokenSize
		}
		dx, dy := t.X-x, t.Y-y
		if math.Sqrt(dx*dx+dy*dy) < size/2 {
			found = t.ID
		}
	}
	return found, found != ""
}

// circle is an alpha mask for a filled disc, in the style of the image/draw
// examples.
type circle struct {
	cx, cy, r float64
}

func (c *circle) ColorModel() color.Model { return color.AlphaModel }

func (c *circle) Bounds() image.Rectangle {
	return image.Rect(int(c.cx-c.r), int(c.cy-c.r), int(c.cx+c.r)+1, int(c.cy+c.r)+1)
}

func (c *circle) At(x, y int) color.Color {
	return color.Alpha{A: c.alphaAt(x, y)}
}

func (c *circle) alphaAt(x, y int) uint8 {
	dx := float64(x) + 0.5 - c.cx
	dy := float64(y) + 0.5 - c.cy
	if dx*dx+dy*dy <= c.r*c.r {
		return 0xff
	}
	return 0
}

func parseHexColor(s string) color.RGBA {
	if len(s) != 7 || s[0] != '#' {
		return defaultTokenColor
	}
	var out [3]uint8
	for i := 0; i < 3; i++ {
		hi, ok1 := hexNibble(s[1+i*2])
		lo, ok2 := hexNibble(s[2+i*2])
		if !ok1 || !ok2 {
			return defaultTokenColor
		}
		out[i] = hi<<4 | lo
	}
	return color.RGBA{out[0], out[1], out[2], 0xff}
}

func hexNibble(b byte) (uint8, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	}
	return 0, false
}
