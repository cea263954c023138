package watermark

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // decoder registration
	"image/jpeg"
	"image/png"

	"github.com/h2non/filetype"
	_ "golang.org/x/image/bmp"  // decoder registration
	_ "golang.org/x/image/tiff" // decoder registration
	_ "golang.org/x/image/webp" // decoder registration

	"github.com/piwi3910/podshield/pkg/apierrors"
)

// MaxPixels bounds the images the service decodes.
const MaxPixels = 40_000_000

// ErrNotImage is returned for payloads that are not a supported image.
var ErrNotImage = errors.New("watermark: content is not a supported image")

// DecodeImage sniffs and decodes an image, returning its format name.
func DecodeImage(data []byte) (image.Image, string, error) {
	if !filetype.IsImage(data) {
		return nil, "", apierrors.Validation("content is not a supported image").Wrap(ErrNotImage)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", apierrors.Validation("failed to read image header").Wrap(err)
	}

	if cfg.Width*cfg.Height > MaxPixels {
		return nil, "", apierrors.Validation("image of %dx%d exceeds the pixel limit", cfg.Width, cfg.Height)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", apierrors.Validation("failed to decode image").Wrap(err)
	}

	return img, format, nil
}

// EncodePNG encodes img losslessly.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}

	return buf.Bytes(), nil
}

// EncodeJPEG encodes img at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}

	return buf.Bytes(), nil
}
