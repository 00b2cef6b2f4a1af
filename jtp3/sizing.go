package jtp3

import (
	"fmt"
	"math"

	"github.com/krau/tailtagger/classifier"
)

const (
	// DefaultPatchSize is the backbone's patch edge in pixels.
	DefaultPatchSize = 16
	// DefaultMaxSeq is the backbone's maximum patch sequence length.
	DefaultMaxSeq = 1024
)

// SelectResolution finds the largest patch-aligned resolution for a
// natural (height, width) whose patch grid fits within maxSeq patches.
// The search runs a bounded binary search over a continuous scale ratio
// in (0, 1]; images that already fit are only snapped down to patch
// multiples, never upscaled. An image whose minimal scale still exceeds
// maxSeq patches yields classifier.ErrTooManyPatches.
func SelectResolution(height, width, patchSize, maxSeq int) (int, int, error) {
	const eps = 1e-5
	maxRatio := 1.0

	h, w := float64(height), float64(width)
	maxPy := max(int(h*maxRatio)/patchSize, 1)
	maxPx := max(int(w*maxRatio)/patchSize, 1)

	if maxPy*maxPx <= maxSeq {
		return maxPy * patchSize, maxPx * patchSize, nil
	}

	patchify := func(ratio float64) (int, int) {
		py := min(int(math.Ceil(h*ratio/float64(patchSize))), maxPy)
		px := min(int(math.Ceil(w*ratio/float64(patchSize))), maxPx)
		return py, px
	}

	py, px := patchify(eps)
	if py*px > maxSeq {
		return 0, 0, fmt.Errorf("%w: %dx%d needs %d patches of %d allowed",
			classifier.ErrTooManyPatches, width, height, py*px, maxSeq)
	}

	ratio := eps
	for maxRatio-ratio >= eps {
		mid := (ratio + maxRatio) / 2.0
		mpy, mpx := patchify(mid)
		if mpy*mpx > maxSeq {
			maxRatio = mid
			continue
		}
		ratio = mid
		py, px = mpy, mpx
		if mpy*mpx == maxSeq {
			break
		}
	}

	return py * patchSize, px * patchSize, nil
}
