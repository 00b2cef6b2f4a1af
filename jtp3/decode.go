package jtp3

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"

	_ "github.com/gen2brain/avif"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
)

// decodeImage loads an image and normalizes its color: EXIF orientation
// is applied, an embedded ICC profile is converted to sRGB when it is a
// matrix-shaper profile, and transparency is collapsed to premultiplied
// RGB. The returned buffer keeps the NRGBA layout but with RGB channels
// already multiplied by alpha, matching what the backbone was trained on.
func decodeImage(path string) (*image.NRGBA, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	nrgba := imaging.Clone(img)

	nrgba = applyOrientation(nrgba, exifOrientation(data))

	if icc := extractICC(data, format); icc != nil {
		if tf, err := parseICC(icc); err != nil {
			slog.Warn("unusable ICC profile, assuming sRGB",
				slog.String("path", path), slog.String("error", err.Error()))
		} else {
			tf.apply(nrgba)
		}
	}

	if hasTransparency(nrgba) {
		premultiply(nrgba)
	}
	return nrgba, nil
}

// exifOrientation returns the EXIF orientation value in [1,8], or 1
// when there is none. Corrupt EXIF metadata is fine.
func exifOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

func applyOrientation(img *image.NRGBA, orientation int) *image.NRGBA {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

func hasTransparency(img *image.NRGBA) bool {
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0xff {
			return true
		}
	}
	return false
}

// premultiply scales RGB by alpha in place, the equivalent of PIL's
// RGBa mode. Patchify later drops the alpha channel, leaving pixels
// composited on black.
func premultiply(img *image.NRGBA) {
	for i := 0; i < len(img.Pix); i += 4 {
		a := uint32(img.Pix[i+3])
		if a == 0xff {
			continue
		}
		for c := 0; c < 3; c++ {
			img.Pix[i+c] = uint8((uint32(img.Pix[i+c])*a + 127) / 255)
		}
	}
}
