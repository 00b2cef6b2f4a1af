package jtp3

import (
	"fmt"
	"image"
)

// PatchBuffer holds a patch sequence as three parallel fixed-capacity
// arrays sized to the backbone's maximum sequence length. Only the
// prefix covering the image's patch grid is valid; trailing slots keep
// zero bytes and a false mask entry.
type PatchBuffer struct {
	PatchSize int
	MaxSeq    int
	// Data is MaxSeq rows of PatchSize*PatchSize*3 pixel bytes.
	Data []uint8
	// Coords is MaxSeq (row, col) pairs in patch-grid units.
	Coords []int16
	// Valid marks the filled prefix.
	Valid []bool
}

// NumValid counts the filled slots.
func (b *PatchBuffer) NumValid() int {
	n := 0
	for _, v := range b.Valid {
		if v {
			n++
		}
	}
	return n
}

// Patchify slices a patch-aligned premultiplied-RGB image into
// non-overlapping PatchSize blocks in row-major order.
func Patchify(img *image.NRGBA, patchSize, maxSeq int) (*PatchBuffer, error) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if w%patchSize != 0 || h%patchSize != 0 {
		return nil, fmt.Errorf("image %dx%d is not a multiple of patch size %d", w, h, patchSize)
	}
	rows, cols := h/patchSize, w/patchSize
	if rows*cols > maxSeq {
		return nil, fmt.Errorf("patch grid %dx%d exceeds capacity %d", rows, cols, maxSeq)
	}

	patchDim := patchSize * patchSize * 3
	buf := &PatchBuffer{
		PatchSize: patchSize,
		MaxSeq:    maxSeq,
		Data:      make([]uint8, maxSeq*patchDim),
		Coords:    make([]int16, maxSeq*2),
		Valid:     make([]bool, maxSeq),
	}

	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			n := row*cols + col
			dst := buf.Data[n*patchDim:]
			for py := 0; py < patchSize; py++ {
				y := row*patchSize + py
				src := img.Pix[y*img.Stride+col*patchSize*4:]
				for px := 0; px < patchSize; px++ {
					i := (py*patchSize + px) * 3
					dst[i] = src[px*4]
					dst[i+1] = src[px*4+1]
					dst[i+2] = src[px*4+2]
				}
			}
			buf.Coords[n*2] = int16(row)
			buf.Coords[n*2+1] = int16(col)
			buf.Valid[n] = true
		}
	}
	return buf, nil
}
