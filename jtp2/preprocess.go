package jtp2

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "github.com/gen2brain/avif"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
	"github.com/krau/tailtagger/classifier"
)

// ImageSize is the fixed model input resolution.
const ImageSize = 384

// background is the gray level transparent pixels composite onto,
// expressed in the model's [0,1] input space.
const background = 0.5

// Preprocess loads an image and produces the 3x384x384 CHW input
// tensor: fit within 384x384 preserving aspect ratio (shrink-only
// unless AllowUpscale), alpha-composite onto 50% gray, normalize to
// mean 0.5 / std 0.5, centered on a zero canvas (zero equals the gray
// background after normalization, so the border is seamless).
func Preprocess(path string, opts classifier.PreprocessOptions) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return ToTensor(img, opts.AllowUpscale), nil
}

// ToTensor converts a decoded image to the model input tensor.
func ToTensor(img image.Image, allowUpscale bool) []float32 {
	nrgba := imaging.Clone(img)
	w, h := nrgba.Rect.Dx(), nrgba.Rect.Dy()

	newW, newH := fit(w, h, ImageSize, allowUpscale)
	if newW != w || newH != h {
		nrgba = imaging.Resize(nrgba, newW, newH, imaging.Lanczos)
		w, h = newW, newH
	}

	out := make([]float32, 3*ImageSize*ImageSize)
	x0 := (ImageSize - w) / 2
	y0 := (ImageSize - h) / 2
	plane := ImageSize * ImageSize

	for y := 0; y < h; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+w*4]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+4]
			alpha := float32(px[3]) / 255.0
			pos := (y0+y)*ImageSize + x0 + x
			for c := 0; c < 3; c++ {
				v := alpha*float32(px[c])/255.0 + (1-alpha)*background
				out[c*plane+pos] = (v - 0.5) / 0.5
			}
		}
	}
	return out
}

// fit computes the largest size within bound x bound preserving aspect
// ratio. Images already inside the bound keep their size unless grow is
// set.
func fit(w, h, bound int, grow bool) (int, int) {
	wscale := float64(bound) / float64(w)
	hscale := float64(bound) / float64(h)
	if !grow {
		wscale = min(wscale, 1.0)
		hscale = min(hscale, 1.0)
	}
	scale := min(wscale, hscale)
	if scale == 1.0 {
		return w, h
	}
	newW := min(int(float64(w)*scale+0.5), bound)
	newH := min(int(float64(h)*scale+0.5), bound)
	return max(newW, 1), max(newH, 1)
}
