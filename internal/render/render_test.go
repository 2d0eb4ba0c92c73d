package render

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"loreforge.gg/internal/session"
)

func TestFogMask_CutoutGeometry(t *testing.T) {
	tokens := []session.Token{{ID: "t1", X: 100, Y: 100, RevealRadius: 120}}
	mask := FogMask(500, 500, tokens, true)

	if a := mask.AlphaAt(100, 100).A; a != 0 {
		t.Fatalf("alpha at token center = %d, want fully transparent", a)
	}
	if a := mask.AlphaAt(100, 400).A; a != 0xff {
		t.Fatalf("alpha far from token = %d, want fully opaque", a)
	}
	// Just inside vs just outside the radius.
	if a := mask.AlphaAt(100, 215).A; a != 0 {
		t.Fatalf("alpha inside radius = %d, want transparent", a)
	}
	if a := mask.AlphaAt(100, 230).A; a != 0xff {
		t.Fatalf("alpha outside radius = %d, want opaque", a)
	}
}

func TestFogMask_DisabledIsNil(t *testing.T) {
	if FogMask(10, 10, nil, false) != nil {
		t.Fatalf("disabled fog must yield no mask")
	}
}

func TestHPColor_Buckets(t *testing.T) {
	cases := []struct {
		hp, maxHP int
		want      color.RGBA
	}{
		{6, 10, hpGreen},  // 0.6 > 0.5
		{10, 10, hpGreen}, // full
		{5, 10, hpAmber},  // exactly half is not green
		{3, 10, hpAmber},
		{2, 10, hpAmber}, // exactly 0.2 is amber, not red
		{1, 10, hpRed},   // 0.1 < 0.2
		{0, 10, hpRed},
	}
	for _, c := range cases {
		if got := HPColor(c.hp, c.maxHP); got != c.want {
			t.Fatalf("HPColor(%d,%d) = %v, want %v", c.hp, c.maxHP, got, c.want)
		}
	}
}

func TestFindTokenAt(t *testing.T) {
	tokens := []session.Token{
		{ID: "under", X: 100, Y: 100, Size: 48},
		{ID: "over", X: 110, Y: 100, Size: 48},
		{ID: "far", X: 400, Y: 400, Size: 48},
	}

	// Overlap resolves to the most-recently-listed token.
	id, ok := FindTokenAt(tokens, 105, 100)
	if !ok || id != "over" {
		t.Fatalf("hit = %q, want over", id)
	}
	id, ok = FindTokenAt(tokens, 80, 100)
	if !ok || id != "under" {
		t.Fatalf("hit = %q, want under", id)
	}
	if _, ok := FindTokenAt(tokens, 10, 10); ok {
		t.Fatalf("hit on empty canvas")
	}
	// Hit boundary is strictly inside half the size.
	if _, ok := FindTokenAt(tokens, 400+24, 400); ok {
		t.Fatalf("distance == size/2 must miss")
	}
}

func TestFrame_IdempotentAndTokenPainted(t *testing.T) {
	bg := image.NewRGBA(image.Rect(0, 0, 200, 200))
	for i := range bg.Pix {
		bg.Pix[i] = 0x20
	}
	tokens := []session.Token{{ID: "t1", X: 50, Y: 50, Size: 40, HP: 10, MaxHP: 10, Color: "#ff0000"}}
	r := NewRenderer()

	f1 := r.Frame(bg, tokens, nil, nil)
	f2 := r.Frame(bg, tokens, nil, nil)
	if !bytes.Equal(f1.Pix, f2.Pix) {
		t.Fatalf("identical inputs rendered different pixels")
	}

	if got := f1.RGBAAt(50, 50); got != (color.RGBA{0xff, 0, 0, 0xff}) {
		t.Fatalf("token disc not painted: %v", got)
	}
	// HP bar row: just below the disc.
	if got := f1.RGBAAt(50, 50+20+2+1); got != hpGreen {
		t.Fatalf("hp bar not painted: %v", got)
	}
	// Frame matches the background's native resolution.
	if f1.Bounds().Dx() != 200 || f1.Bounds().Dy() != 200 {
		t.Fatalf("frame bounds %v", f1.Bounds())
	}
}

func TestFrame_FogCoversAndCutoutReveals(t *testing.T) {
	bg := image.NewRGBA(image.Rect(0, 0, 300, 300))
	for i := range bg.Pix {
		bg.Pix[i] = 0xff
	}
	tokens := []session.Token{{ID: "t1", X: 100, Y: 100, Size: 40, HP: 10, MaxHP: 10, RevealRadius: 60}}
	r := NewRenderer()
	fog := FogMask(300, 300, tokens, true)
	f := r.Frame(bg, tokens, nil, fog)

	if got := f.RGBAAt(280, 280); got != (color.RGBA{0, 0, 0, 0xff}) {
		t.Fatalf("fogged pixel = %v, want black", got)
	}
	if got := f.RGBAAt(100, 60); got.R != 0xff {
		t.Fatalf("revealed pixel = %v, want background", got)
	}
}

func TestBackground_CachePerURL(t *testing.T) {
	r := NewRenderer()
	loads := 0
	load := func(string) (image.Image, error) {
		loads++
		return image.NewRGBA(image.Rect(0, 0, 10, 10)), nil
	}
	if _, err := r.Background("u1", load); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := r.Background("u1", load); err != nil {
		t.Fatalf("load: %v", err)
	}
	if loads != 1 {
		t.Fatalf("loads = %d, want cached", loads)
	}
	// A replaced map invalidates the cached image.
	if _, err := r.Background("u2", load); err != nil {
		t.Fatalf("load: %v", err)
	}
	if loads != 2 {
		t.Fatalf("loads = %d, want reload on url change", loads)
	}
}
