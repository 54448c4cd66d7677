package wsi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
)

// DefaultJPEGQuality is the quality of images returned if requesting JPEG images
// and an explicit Quality amount is omitted.
const DefaultJPEGQuality = 80

// Format is the encoding of a stored or served tile.
type Format uint8

const (
	PNG Format = iota
	JPEG
	TIFF
	Snappy // raw pixels compressed with snappy
	Zstd   // raw pixels compressed with zstd
)

func (f Format) String() string {
	switch f {
	case PNG:
		return "png"
	case JPEG:
		return "jpeg"
	case TIFF:
		return "tiff"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("format %d", f)
	}
}

// ContentType is the MIME type served for tiles of this format.  Raw formats
// are transcoded to PNG before serving.
func (f Format) ContentType() string {
	switch f {
	case JPEG:
		return "image/jpeg"
	case TIFF:
		return "image/tiff"
	default:
		return "image/png"
	}
}

// ParseFormat converts a name such as "png" or "jpg" into a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "png":
		return PNG, nil
	case "jpg", "jpeg":
		return JPEG, nil
	case "tif", "tiff":
		return TIFF, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	}
	return PNG, fmt.Errorf("unknown tile format %q", s)
}

// raw tiles carry a small header: magic, pixel kind, width, height.
var rawMagic = []byte("WSIR")

const (
	rawGray byte = 1
	rawRGBA byte = 4

	rawHeaderSize = 4 + 1 + 4 + 4
)

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func initZstd() error {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdErr
}

// Codec encodes tiles in a single format.  Decoding detects the format from the data.
type Codec struct {
	Format  Format
	Quality int // only used for JPEG
}

// EncodeTile returns the encoded bytes of the image.
func (c Codec) EncodeTile(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	switch c.Format {
	case PNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
	case JPEG:
		q := c.Quality
		if q <= 0 {
			q = DefaultJPEGQuality
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, err
		}
	case TIFF:
		if err := tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
			return nil, err
		}
	case Snappy, Zstd:
		kind, pix, w, h := rawPixels(img)
		header := make([]byte, rawHeaderSize)
		copy(header, rawMagic)
		header[4] = kind
		binary.LittleEndian.PutUint32(header[5:9], uint32(w))
		binary.LittleEndian.PutUint32(header[9:13], uint32(h))
		buf.Write(header)
		buf.WriteByte(byte(c.Format))
		if c.Format == Snappy {
			buf.Write(snappy.Encode(nil, pix))
		} else {
			if err := initZstd(); err != nil {
				return nil, err
			}
			buf.Write(zstdEnc.EncodeAll(pix, nil))
		}
	default:
		return nil, fmt.Errorf("unknown tile format: %s", c.Format)
	}
	return buf.Bytes(), nil
}

// DetectFormat returns the format of encoded tile data by its leading bytes.
func DetectFormat(data []byte) (Format, error) {
	switch {
	case len(data) >= 8 && bytes.Equal(data[:8], []byte("\x89PNG\r\n\x1a\n")):
		return PNG, nil
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return JPEG, nil
	case len(data) >= 4 && (bytes.Equal(data[:4], []byte("II*\x00")) || bytes.Equal(data[:4], []byte("MM\x00*"))):
		return TIFF, nil
	case len(data) > rawHeaderSize && bytes.Equal(data[:4], rawMagic):
		f := Format(data[rawHeaderSize])
		if f != Snappy && f != Zstd {
			return PNG, fmt.Errorf("raw tile has bad compression byte %d", f)
		}
		return f, nil
	}
	return PNG, fmt.Errorf("unrecognized tile encoding (%d bytes)", len(data))
}

// DecodeTile decodes tile data in any supported format.
func DecodeTile(data []byte) (image.Image, Format, error) {
	f, err := DetectFormat(data)
	if err != nil {
		return nil, f, err
	}
	var img image.Image
	switch f {
	case PNG:
		img, err = png.Decode(bytes.NewReader(data))
	case JPEG:
		img, err = jpeg.Decode(bytes.NewReader(data))
	case TIFF:
		img, err = tiff.Decode(bytes.NewReader(data))
	case Snappy, Zstd:
		img, err = decodeRaw(f, data)
	}
	return img, f, err
}

func decodeRaw(f Format, data []byte) (image.Image, error) {
	kind := data[4]
	w := int(binary.LittleEndian.Uint32(data[5:9]))
	h := int(binary.LittleEndian.Uint32(data[9:13]))
	payload := data[rawHeaderSize+1:]
	var pix []byte
	var err error
	if f == Snappy {
		pix, err = snappy.Decode(nil, payload)
	} else {
		if err = initZstd(); err != nil {
			return nil, err
		}
		pix, err = zstdDec.DecodeAll(payload, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("raw %s tile: %v", f, err)
	}
	if len(pix) != w*h*int(kind) {
		return nil, fmt.Errorf("raw tile %dx%d expected %d bytes, got %d", w, h, w*h*int(kind), len(pix))
	}
	r := image.Rect(0, 0, w, h)
	switch kind {
	case rawGray:
		return &image.Gray{Pix: pix, Stride: w, Rect: r}, nil
	case rawRGBA:
		return &image.NRGBA{Pix: pix, Stride: 4 * w, Rect: r}, nil
	}
	return nil, fmt.Errorf("raw tile has unknown pixel kind %d", kind)
}

// rawPixels returns tightly packed pixels, converting anything other than gray to NRGBA.
func rawPixels(img image.Image) (kind byte, pix []byte, w, h int) {
	b := img.Bounds()
	w, h = b.Dx(), b.Dy()
	if g, ok := img.(*image.Gray); ok {
		pix = make([]byte, w*h)
		for y := 0; y < h; y++ {
			copy(pix[y*w:(y+1)*w], g.Pix[g.PixOffset(b.Min.X, b.Min.Y+y):])
		}
		return rawGray, pix, w, h
	}
	n := ToNRGBA(img)
	pix = make([]byte, 4*w*h)
	for y := 0; y < h; y++ {
		copy(pix[4*y*w:4*(y+1)*w], n.Pix[y*n.Stride:])
	}
	return rawRGBA, pix, w, h
}

// ToNRGBA returns an NRGBA image with origin (0,0) holding the same pixels.
func ToNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Rect, img, b.Min, draw.Src)
	return dst
}

// CropImage returns the top-left w x h region of the image.  Images already at or
// under that size are returned unchanged.
func CropImage(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	if b.Dx() <= w && b.Dy() <= h {
		return img
	}
	r := image.Rect(b.Min.X, b.Min.Y, b.Min.X+min(w, b.Dx()), b.Min.Y+min(h, b.Dy()))
	if s, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return s.SubImage(r)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Rect, img, r.Min, draw.Src)
	return dst
}

// PlaceholderImage returns a mid-gray tile of the given size.
func PlaceholderImage(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Rect, &image.Uniform{C: color.Gray{Y: 0x80}}, image.Point{}, draw.Src)
	return img
}

// WriteImageHttp writes an image to a HTTP response writer using a format and optional
// compression strength specified in a string, e.g., "png", "jpg:80".
func WriteImageHttp(w http.ResponseWriter, img image.Image, formatStr string) error {
	parts := strings.Split(formatStr, ":")
	quality := DefaultJPEGQuality
	if len(parts) > 1 {
		var err error
		if quality, err = strconv.Atoi(parts[1]); err != nil {
			return err
		}
	}
	f, err := ParseFormat(parts[0])
	if err != nil {
		return err
	}
	if f == Snappy || f == Zstd {
		f = PNG
	}
	data, err := Codec{Format: f, Quality: quality}.EncodeTile(img)
	if err != nil {
		return err
	}
	w.Header().Set("Content-type", f.ContentType())
	_, err = io.Copy(w, bytes.NewReader(data))
	return err
}
