package jtp3

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
)

// ICC rendering intents (profile header field).
const (
	intentPerceptual = 0
	intentRelative   = 1
	intentSaturation = 2
	intentAbsolute   = 3
)

var intentNames = map[uint32]string{
	intentPerceptual: "perceptual",
	intentRelative:   "relative colorimetric",
	intentSaturation: "saturation",
	intentAbsolute:   "absolute colorimetric",
}

// extractICC pulls the raw ICC profile out of the container, if any.
// JPEG carries it in APP2 "ICC_PROFILE" segments (possibly split), PNG
// in a zlib-compressed iCCP chunk. Other formats yield nil and are
// treated as sRGB.
func extractICC(data []byte, format string) []byte {
	switch format {
	case "jpeg":
		return jpegICC(data)
	case "png":
		return pngICC(data)
	default:
		return nil
	}
}

func jpegICC(data []byte) []byte {
	const marker = "ICC_PROFILE\x00"
	var chunks [][]byte
	i := 2 // skip SOI
	for i+4 <= len(data) && data[i] == 0xff {
		m := data[i+1]
		if m == 0xd9 || m == 0xda { // EOI / SOS
			break
		}
		if m == 0x01 || (m >= 0xd0 && m <= 0xd7) { // standalone markers
			i += 2
			continue
		}
		segLen := int(binary.BigEndian.Uint16(data[i+2:])) + 2
		if segLen < 4 || i+segLen > len(data) {
			break
		}
		seg := data[i+4 : i+segLen]
		if m == 0xe2 && len(seg) > len(marker)+2 && string(seg[:len(marker)]) == marker {
			chunks = append(chunks, seg[len(marker)+2:]) // skip seq/count bytes
		}
		i += segLen
	}
	if len(chunks) == 0 {
		return nil
	}
	return bytes.Join(chunks, nil)
}

func pngICC(data []byte) []byte {
	i := 8 // skip signature
	for i+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[i:]))
		typ := string(data[i+4 : i+8])
		if i+8+length > len(data) {
			break
		}
		if typ == "iCCP" {
			chunk := data[i+8 : i+8+length]
			// profile name (latin1, NUL-terminated), compression method byte
			nul := bytes.IndexByte(chunk, 0)
			if nul < 0 || nul+2 > len(chunk) || chunk[nul+1] != 0 {
				return nil
			}
			zr, err := zlib.NewReader(bytes.NewReader(chunk[nul+2:]))
			if err != nil {
				return nil
			}
			defer zr.Close()
			profile, err := io.ReadAll(zr)
			if err != nil {
				return nil
			}
			return profile
		}
		if typ == "IDAT" || typ == "IEND" {
			break
		}
		i += 12 + length // length + type + data + crc
	}
	return nil
}

// iccTransform converts profile RGB to sRGB. Only matrix-shaper
// profiles (per-channel tone curves plus a primaries matrix into D50
// XYZ) are handled; LUT-class profiles fail parsing and the image is
// used as-is.
type iccTransform struct {
	curves [3]toneCurve
	// m maps linearized profile RGB straight to linear sRGB: the
	// primaries matrix, Bradford D50->D65 adaptation and the XYZ->sRGB
	// matrix folded together.
	m [3][3]float64
}

type toneCurve struct {
	gamma float64   // used when lut is nil; 1.0 means linear
	lut   []float64 // sampled curve, evenly spaced over [0,1]
	para  []float64 // parametricCurveType parameters, type-tagged
	kind  uint16
}

// bradfordD50toD65 and xyzD65toSRGB are the standard CIE matrices.
var bradfordD50toD65 = [3][3]float64{
	{0.9555766, -0.0230393, 0.0631636},
	{-0.0282895, 1.0099416, 0.0210077},
	{0.0122982, -0.0204830, 1.3299098},
}

var xyzD65toSRGB = [3][3]float64{
	{3.2404542, -1.5371385, -0.4985314},
	{-0.9692660, 1.8760108, 0.0415560},
	{0.0556434, -0.2040259, 1.0572252},
}

func parseICC(profile []byte) (*iccTransform, error) {
	if len(profile) < 132 {
		return nil, fmt.Errorf("profile too short (%d bytes)", len(profile))
	}
	if string(profile[36:40]) != "acsp" {
		return nil, fmt.Errorf("missing acsp signature")
	}
	if space := string(profile[16:20]); space != "RGB " {
		return nil, fmt.Errorf("unsupported color space %q", space)
	}

	tags := map[string][]byte{}
	count := binary.BigEndian.Uint32(profile[128:])
	if count > 1024 {
		return nil, fmt.Errorf("implausible tag count %d", count)
	}
	for i := uint32(0); i < count; i++ {
		base := 132 + i*12
		if int(base)+12 > len(profile) {
			return nil, fmt.Errorf("truncated tag table")
		}
		sig := string(profile[base : base+4])
		off := binary.BigEndian.Uint32(profile[base+4:])
		size := binary.BigEndian.Uint32(profile[base+8:])
		if int(off)+int(size) > len(profile) {
			return nil, fmt.Errorf("tag %q out of bounds", sig)
		}
		tags[sig] = profile[off : off+size]
	}

	tf := &iccTransform{}
	var primaries [3][3]float64 // columns r,g,b of RGB->XYZ(D50)
	for i, ch := range []string{"r", "g", "b"} {
		xyz, ok := tags[ch+"XYZ"]
		if !ok {
			return nil, fmt.Errorf("not a matrix-shaper profile (missing %sXYZ)", ch)
		}
		x, y, z, err := parseXYZ(xyz)
		if err != nil {
			return nil, err
		}
		primaries[0][i], primaries[1][i], primaries[2][i] = x, y, z

		trc, ok := tags[ch+"TRC"]
		if !ok {
			return nil, fmt.Errorf("missing %sTRC curve", ch)
		}
		curve, err := parseCurve(trc)
		if err != nil {
			return nil, err
		}
		tf.curves[i] = curve
	}

	tf.m = matMul(xyzD65toSRGB, matMul(bradfordD50toD65, primaries))

	// Matrix-shaper profiles carry one transform shared by all intents,
	// so the preferred relative colorimetric intent is always
	// servable; the declared default is only consulted for the log.
	intent := uint32(intentRelative)
	declared := binary.BigEndian.Uint32(profile[64:])
	if _, ok := intentNames[declared]; !ok {
		declared = intentPerceptual
	}
	slog.Debug("converting to sRGB",
		slog.String("intent", intentNames[intent]),
		slog.String("profile_default", intentNames[declared]))
	return tf, nil
}

func parseXYZ(tag []byte) (float64, float64, float64, error) {
	if len(tag) < 20 || string(tag[:4]) != "XYZ " {
		return 0, 0, 0, fmt.Errorf("bad XYZ tag")
	}
	return s15Fixed16(tag[8:]), s15Fixed16(tag[12:]), s15Fixed16(tag[16:]), nil
}

func s15Fixed16(b []byte) float64 {
	return float64(int32(binary.BigEndian.Uint32(b))) / 65536.0
}

func parseCurve(tag []byte) (toneCurve, error) {
	if len(tag) < 12 {
		return toneCurve{}, fmt.Errorf("curve tag too short")
	}
	switch string(tag[:4]) {
	case "curv":
		n := int(binary.BigEndian.Uint32(tag[8:]))
		switch {
		case n == 0:
			return toneCurve{gamma: 1.0}, nil
		case n == 1:
			if len(tag) < 14 {
				return toneCurve{}, fmt.Errorf("truncated gamma curve")
			}
			return toneCurve{gamma: float64(binary.BigEndian.Uint16(tag[12:])) / 256.0}, nil
		default:
			if len(tag) < 12+2*n {
				return toneCurve{}, fmt.Errorf("truncated curve LUT")
			}
			lut := make([]float64, n)
			for i := 0; i < n; i++ {
				lut[i] = float64(binary.BigEndian.Uint16(tag[12+2*i:])) / 65535.0
			}
			return toneCurve{lut: lut}, nil
		}
	case "para":
		kind := binary.BigEndian.Uint16(tag[8:])
		counts := map[uint16]int{0: 1, 1: 3, 2: 4, 3: 5, 4: 7}
		n, ok := counts[kind]
		if !ok {
			return toneCurve{}, fmt.Errorf("unknown parametric curve type %d", kind)
		}
		if len(tag) < 12+4*n {
			return toneCurve{}, fmt.Errorf("truncated parametric curve")
		}
		para := make([]float64, n)
		for i := range para {
			para[i] = s15Fixed16(tag[12+4*i:])
		}
		return toneCurve{kind: kind, para: para}, nil
	default:
		return toneCurve{}, fmt.Errorf("unsupported curve type %q", tag[:4])
	}
}

// linearize maps an encoded channel value in [0,1] to linear light.
func (c toneCurve) linearize(v float64) float64 {
	if c.lut != nil {
		pos := v * float64(len(c.lut)-1)
		i := int(pos)
		if i >= len(c.lut)-1 {
			return c.lut[len(c.lut)-1]
		}
		frac := pos - float64(i)
		return c.lut[i]*(1-frac) + c.lut[i+1]*frac
	}
	if c.para != nil {
		return c.parametric(v)
	}
	if c.gamma == 1.0 {
		return v
	}
	return math.Pow(v, c.gamma)
}

func (c toneCurve) parametric(x float64) float64 {
	p := c.para
	switch c.kind {
	case 0:
		return math.Pow(x, p[0])
	case 1: // (aX+b)^g
		if x >= -p[2]/p[1] {
			return math.Pow(p[1]*x+p[2], p[0])
		}
		return 0
	case 2: // (aX+b)^g + c
		if x >= -p[2]/p[1] {
			return math.Pow(p[1]*x+p[2], p[0]) + p[3]
		}
		return p[3]
	case 3: // sRGB-style two-piece
		if x >= p[4] {
			return math.Pow(p[1]*x+p[2], p[0])
		}
		return p[3] * x
	case 4:
		if x >= p[4] {
			return math.Pow(p[1]*x+p[2], p[0]) + p[5]
		}
		return p[3]*x + p[6]
	}
	return x
}

func matMul(a, b [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return out
}

func encodeSRGB(v float64) float64 {
	if v <= 0.0031308 {
		return 12.92 * v
	}
	return 1.055*math.Pow(v, 1/2.4) - 0.055
}

// apply converts the image's RGB channels to sRGB in place. Alpha is
// untouched; the transform runs before premultiplication.
func (tf *iccTransform) apply(img *image.NRGBA) {
	for i := 0; i+4 <= len(img.Pix); i += 4 {
		var lin [3]float64
		for c := 0; c < 3; c++ {
			lin[c] = tf.curves[c].linearize(float64(img.Pix[i+c]) / 255.0)
		}
		for c := 0; c < 3; c++ {
			v := tf.m[c][0]*lin[0] + tf.m[c][1]*lin[1] + tf.m[c][2]*lin[2]
			v = encodeSRGB(math.Min(math.Max(v, 0), 1))
			img.Pix[i+c] = uint8(v*255 + 0.5)
		}
	}
}
