package wsi

import (
	"image"
	"image/color"
	"testing"
)

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{uint8(x), uint8(y), uint8(x + y), 255})
		}
	}
	return img
}

func TestLosslessCodecs(t *testing.T) {
	src := gradient(37, 21)
	for _, f := range []Format{PNG, TIFF, Snappy, Zstd} {
		data, err := Codec{Format: f}.EncodeTile(src)
		if err != nil {
			t.Fatalf("encode %s: %v", f, err)
		}
		img, got, err := DecodeTile(data)
		if err != nil {
			t.Fatalf("decode %s: %v", f, err)
		}
		if got != f {
			t.Errorf("expected detected format %s, got %s", f, got)
		}
		b := img.Bounds()
		if b.Dx() != 37 || b.Dy() != 21 {
			t.Fatalf("%s: bad decoded size %v", f, b)
		}
		for y := 0; y < 21; y++ {
			for x := 0; x < 37; x++ {
				r1, g1, b1, _ := src.At(x, y).RGBA()
				r2, g2, b2, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				if r1 != r2 || g1 != g2 || b1 != b2 {
					t.Fatalf("%s: pixel (%d,%d) differs", f, x, y)
				}
			}
		}
	}
}

func TestRawGray(t *testing.T) {
	g := PlaceholderImage(10, 4)
	data, err := Codec{Format: Snappy}.EncodeTile(g)
	if err != nil {
		t.Fatal(err)
	}
	img, _, err := DecodeTile(data)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := img.(*image.Gray); !ok {
		t.Errorf("expected gray tile back, got %T", img)
	}
}

func TestDetectFormatRejectsGarbage(t *testing.T) {
	if _, err := DetectFormat([]byte("not an image")); err == nil {
		t.Errorf("expected error on unknown data")
	}
	if _, err := DetectFormat(nil); err == nil {
		t.Errorf("expected error on empty data")
	}
}

func TestCropImage(t *testing.T) {
	src := gradient(512, 512)
	c := CropImage(src, 160, 512)
	if b := c.Bounds(); b.Dx() != 160 || b.Dy() != 512 {
		t.Errorf("bad crop: %v", b)
	}
	if c := CropImage(src, 600, 600); c != image.Image(src) {
		t.Errorf("expected uncropped image returned unchanged")
	}
}

func TestConfigGetters(t *testing.T) {
	c := Config{"path": "/tmp/x", "size": int64(4), "on": true, "timeout": "2s"}
	if s, found, err := c.GetString("path"); err != nil || !found || s != "/tmp/x" {
		t.Errorf("bad GetString: %q %t %v", s, found, err)
	}
	if i, found, err := c.GetInt("size"); err != nil || !found || i != 4 {
		t.Errorf("bad GetInt: %d %t %v", i, found, err)
	}
	if b, _, err := c.GetBool("on"); err != nil || !b {
		t.Errorf("bad GetBool: %t %v", b, err)
	}
	if d, _, err := c.GetDuration("timeout"); err != nil || d.Seconds() != 2 {
		t.Errorf("bad GetDuration: %s %v", d, err)
	}
	if _, _, err := c.GetString("size"); err == nil {
		t.Errorf("expected type error")
	}
	if _, found, _ := c.GetString("missing"); found {
		t.Errorf("missing key reported found")
	}
}
