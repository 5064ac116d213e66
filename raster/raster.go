// Package raster decodes, validates, and normalizes image payloads.
//
// Every image that enters the cache is normalized to JPEG. Remote sources may
// be JPEG, PNG, GIF, WebP, BMP, or TIFF; the disk tier only ever stores the
// JPEG re-encoding, so normalization is lossy.
package raster

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // register GIF decoder
	"image/jpeg"
	_ "image/png" // register PNG decoder

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder
)

// DefaultQuality is the JPEG quality used when normalizing images.
const DefaultQuality = 80

// DefaultMaxPixels bounds the decoded canvas of any payload: 32 MiB pixels,
// or 128 MiB as RGBA. Headers claiming more are rejected before decoding.
const DefaultMaxPixels int64 = 32 << 20

var (
	// ErrEmpty is returned when an image payload has no bytes.
	ErrEmpty = errors.New("empty image data")

	// ErrDecode is returned when a payload does not decode as a raster image.
	ErrDecode = errors.New("decode image")
)

// Image is an encoded raster image together with its pixel dimensions.
type Image struct {
	// Data holds the JPEG-encoded bytes. Images held by a cache share Data
	// with it; use Clone before modifying.
	Data []byte

	// Width and Height are the pixel dimensions of the decoded image.
	Width  int
	Height int
}

// IsZero reports whether img carries no data.
func (img Image) IsZero() bool {
	return len(img.Data) == 0
}

// Clone returns a copy of img with its own Data.
func (img Image) Clone() Image {
	img.Data = bytes.Clone(img.Data)
	return img
}

// Cost estimates the in-memory footprint of the decoded image in bytes.
// It falls back to the encoded size when dimensions are unknown.
func (img Image) Cost() int64 {
	if img.Width > 0 && img.Height > 0 {
		return int64(img.Width) * int64(img.Height) * 4
	}
	return int64(len(img.Data))
}

// Decode decodes the image data into an [image.Image].
func (img Image) Decode() (image.Image, error) {
	decoded, _, err := decode(img.Data, DefaultMaxPixels)
	return decoded, err
}

// Options controls normalization.
type Options struct {
	// Quality is the JPEG quality in [1, 100]. Zero uses DefaultQuality.
	Quality int

	// MaxDimension bounds the longer edge of the output. Larger images are
	// scaled down preserving aspect ratio. Zero disables scaling.
	MaxDimension int

	// MaxPixels bounds width*height of the source image. Zero uses
	// DefaultMaxPixels.
	MaxPixels int64
}

// Inspect wraps already-validated bytes, such as a disk entry, reading only
// the image header for dimensions. It does not detect truncated pixel data;
// use Validate for that.
func Inspect(data []byte) (Image, error) {
	if len(data) == 0 {
		return Image{}, ErrEmpty
	}
	cfg, err := decodeConfig(data, DefaultMaxPixels)
	if err != nil {
		return Image{}, err
	}
	return Image{Data: data, Width: cfg.Width, Height: cfg.Height}, nil
}

// Validate reports whether data decodes as a complete raster image within
// DefaultMaxPixels.
func Validate(data []byte) error {
	_, _, err := decode(data, DefaultMaxPixels)
	return err
}

// Normalize decodes data in any registered format and re-encodes it as JPEG.
func Normalize(data []byte, opts Options) (Image, error) {
	maxPixels := opts.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	decoded, _, err := decode(data, maxPixels)
	if err != nil {
		return Image{}, err
	}

	quality := opts.Quality
	if quality == 0 {
		quality = DefaultQuality
	}
	if quality < 1 || quality > 100 {
		return Image{}, fmt.Errorf("jpeg quality %d out of range", quality)
	}

	decoded = scale(decoded, opts.MaxDimension)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flatten(decoded), &jpeg.Options{Quality: quality}); err != nil {
		return Image{}, fmt.Errorf("encode jpeg: %w", err)
	}
	b := decoded.Bounds()
	return Image{Data: buf.Bytes(), Width: b.Dx(), Height: b.Dy()}, nil
}

// decodeConfig reads the image header and rejects canvases over maxPixels.
func decodeConfig(data []byte, maxPixels int64) (image.Config, error) {
	if len(data) == 0 {
		return image.Config{}, ErrEmpty
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return image.Config{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return image.Config{}, fmt.Errorf("%w: empty bounds", ErrDecode)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return image.Config{}, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, maxPixels)
	}
	return cfg, nil
}

// decode fully decodes data after checking its header against maxPixels, so
// a small payload cannot make the decoder allocate an oversized canvas.
func decode(data []byte, maxPixels int64) (image.Image, string, error) {
	if _, err := decodeConfig(data, maxPixels); err != nil {
		return nil, "", err
	}
	decoded, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrDecode, err)
	}
	b := decoded.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, "", fmt.Errorf("%w: empty bounds", ErrDecode)
	}
	return decoded, format, nil
}

// scale shrinks img so its longer edge is at most maxDim. It never upscales.
func scale(img image.Image, maxDim int) image.Image {
	if maxDim <= 0 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return img
	}
	var nw, nh int
	if w >= h {
		nw = maxDim
		nh = max(1, h*maxDim/w)
	} else {
		nh = maxDim
		nw = max(1, w*maxDim/h)
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// flatten composites images with an alpha channel over white, since JPEG has
// no transparency and the encoder would otherwise render it black.
func flatten(img image.Image) image.Image {
	switch img.(type) {
	case *image.YCbCr, *image.Gray, *image.CMYK:
		return img
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}
