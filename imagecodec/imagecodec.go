// Package imagecodec loads and saves images as tightly packed RGBA (8 bits per channel) pixels, the layout of
// cl.FormatRGBA8 images. Alpha is straight (not premultiplied): the color channels of a translucent pixel keep their
// original values.
//
// Decoding supports PNG, JPEG, GIF, BMP, TIFF and WebP. Encoding supports all of them except WebP, selected by the
// file extension.
package imagecodec

import (
	"bytes"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gocl/internal/fsutil"
	"github.com/pkg/errors"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// JPEGQuality used by Encode for .jpg and .jpeg files.
var JPEGQuality = 95

// Decode reads the image at path and returns its pixels in RGBA order, row-major, 4 bytes per pixel.
func Decode(path string) (pixels []byte, width, height int, err error) {
	path, err = fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		err = errors.Wrapf(err, "failed to open image %q", path)
		return
	}
	defer func() { _ = f.Close() }()
	pixels, width, height, err = DecodeFrom(f)
	err = errors.WithMessagef(err, "image %q", path)
	return
}

// DecodeFrom is like Decode, reading from r. The format is detected from the contents.
func DecodeFrom(r io.Reader) (pixels []byte, width, height int, err error) {
	img, format, err := image.Decode(r)
	if err != nil {
		err = errors.Wrap(err, "failed to decode image")
		return
	}
	nrgba := ToNRGBA(img)
	width, height = nrgba.Bounds().Dx(), nrgba.Bounds().Dy()
	if width == 0 || height == 0 {
		err = errors.Errorf("empty %s image (%dx%d)", format, width, height)
		return
	}
	return nrgba.Pix, width, height, nil
}

// ToNRGBA converts img to an *image.NRGBA (straight alpha) with origin (0, 0) and Stride == 4*width. If img already
// is one, it is returned as is.
func ToNRGBA(img image.Image) *image.NRGBA {
	bounds := img.Bounds()
	if nrgba, ok := img.(*image.NRGBA); ok && bounds.Min == (image.Point{}) && nrgba.Stride == 4*bounds.Dx() {
		return nrgba
	}
	nrgba := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(nrgba, nrgba.Bounds(), img, bounds.Min, draw.Src)
	return nrgba
}

// Encode saves the RGBA pixels (as returned by Decode) to path, in the format given by its extension.
// The file is replaced atomically.
func Encode(path string, pixels []byte, width, height int) error {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := EncodeTo(&buf, Format(path), pixels, width, height); err != nil {
		return errors.WithMessagef(err, "image %q", path)
	}
	return fsutil.WriteFileAtomic(path, buf.Bytes(), 0o644)
}

// Format returns the lower-cased file extension of path, without the dot, e.g. "png".
func Format(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}

// EncodeTo writes the RGBA pixels to w in the given format: "png", "jpg"/"jpeg", "gif", "bmp" or "tif"/"tiff".
func EncodeTo(w io.Writer, format string, pixels []byte, width, height int) error {
	if width <= 0 || height <= 0 {
		return errors.Errorf("invalid image dimensions %dx%d", width, height)
	}
	if len(pixels) != 4*width*height {
		return errors.Errorf("%dx%d RGBA image requires %d bytes, got %d", width, height, 4*width*height, len(pixels))
	}
	img := &image.NRGBA{Pix: pixels, Stride: 4 * width, Rect: image.Rect(0, 0, width, height)}
	var err error
	switch format {
	case "png":
		err = png.Encode(w, img)
	case "jpg", "jpeg":
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: JPEGQuality})
	case "gif":
		err = gif.Encode(w, img, nil)
	case "bmp":
		err = bmp.Encode(w, img)
	case "tif", "tiff":
		err = tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	case "webp":
		return errors.New("encoding to webp is not supported, use png instead")
	default:
		return errors.Errorf("unknown image format %q, valid formats are png, jpg, gif, bmp or tiff", format)
	}
	return errors.Wrapf(err, "failed to encode %s image", format)
}
