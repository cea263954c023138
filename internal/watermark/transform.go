package watermark

import (
	"math"
)

// cellSize is the side of the pixel block that carries one bit. It matches
// the JPEG block size so aligned blocks survive recompression best.
const cellSize = 8

type cell = [cellSize * cellSize]float64

// transform projects a luminance block onto the scalar the embedder
// quantizes. direction is the unit-norm pixel change that raises the
// measure by one.
type transform interface {
	measure(c *cell) float64
	direction() *cell
}

// steps are the quantization steps for the low, medium and high strength
// levels of each method.
var steps = map[Method][3]float64{
	MethodBitPlane: {4, 8, 16},
	MethodDCT:      {10, 16, 28},
	MethodDWT:      {8, 16, 24},
}

// strengthLevel maps a strength in (0, 1] to a step index.
func strengthLevel(strength float64) int {
	switch {
	case strength < 0.34:
		return 0
	case strength < 0.67:
		return 1
	default:
		return 2
	}
}

func transformFor(m Method) transform {
	switch m {
	case MethodBitPlane:
		return meanTransform{}
	case MethodDWT:
		return haarTransform{}
	default:
		return dctTransform{}
	}
}

// meanTransform measures the block-mean luminance. Quantizing it with step
// 2^(k+1) substitutes bit plane k of the mean.
type meanTransform struct{}

var unitCell = func() *cell {
	var c cell
	for i := range c {
		c[i] = 1
	}

	return &c
}()

func (meanTransform) measure(c *cell) float64 {
	var sum float64
	for _, v := range c {
		sum += v
	}

	return sum / float64(len(c))
}

func (meanTransform) direction() *cell { return unitCell }

// dctU and dctV select the embedding coefficient: horizontal frequency 2,
// vertical frequency 1.
const (
	dctU = 2
	dctV = 1
)

var dctBasis = func() *cell {
	var b cell

	for y := range cellSize {
		for x := range cellSize {
			b[y*cellSize+x] = 0.25 *
				math.Cos(float64(2*x+1)*dctU*math.Pi/16) *
				math.Cos(float64(2*y+1)*dctV*math.Pi/16)
		}
	}

	return &b
}()

// dctTransform measures one orthonormal 8x8 DCT-II coefficient.
type dctTransform struct{}

func (dctTransform) measure(c *cell) float64 {
	var sum float64
	for i, v := range c {
		sum += v * dctBasis[i]
	}

	return sum
}

func (dctTransform) direction() *cell { return dctBasis }

// haarTransform measures the vertical contrast of the level-2 Haar
// approximation band: the top LL2 pair minus the bottom pair.
type haarTransform struct{}

var haarDirection = func() *cell {
	var coeffs cell
	coeffs[0], coeffs[1] = 0.5, 0.5
	coeffs[cellSize], coeffs[cellSize+1] = -0.5, -0.5

	inverseHaar(&coeffs, 2)

	return &coeffs
}()

func (haarTransform) measure(c *cell) float64 {
	t := *c
	forwardHaar(&t, 2)

	return (t[0] + t[1] - t[cellSize] - t[cellSize+1]) / 2
}

func (haarTransform) direction() *cell { return haarDirection }

// forwardHaar applies an orthonormal 2D Haar transform in place. Each level
// halves the approximation band in the top-left corner.
func forwardHaar(c *cell, levels int) {
	var tmp [cellSize]float64

	n := cellSize
	for range levels {
		half := n / 2

		for y := range n {
			for i := range half {
				a, b := c[y*cellSize+2*i], c[y*cellSize+2*i+1]
				tmp[i] = (a + b) / math.Sqrt2
				tmp[half+i] = (a - b) / math.Sqrt2
			}

			copy(c[y*cellSize:y*cellSize+n], tmp[:n])
		}

		for x := range n {
			for i := range half {
				a, b := c[2*i*cellSize+x], c[(2*i+1)*cellSize+x]
				tmp[i] = (a + b) / math.Sqrt2
				tmp[half+i] = (a - b) / math.Sqrt2
			}

			for i := range n {
				c[i*cellSize+x] = tmp[i]
			}
		}

		n = half
	}
}

// inverseHaar undoes forwardHaar.
func inverseHaar(c *cell, levels int) {
	var tmp [cellSize]float64

	n := cellSize >> (levels - 1)
	for range levels {
		half := n / 2

		for x := range n {
			for i := range half {
				lo, hi := c[i*cellSize+x], c[(half+i)*cellSize+x]
				tmp[2*i] = (lo + hi) / math.Sqrt2
				tmp[2*i+1] = (lo - hi) / math.Sqrt2
			}

			for i := range n {
				c[i*cellSize+x] = tmp[i]
			}
		}

		for y := range n {
			for i := range half {
				lo, hi := c[y*cellSize+i], c[y*cellSize+half+i]
				tmp[2*i] = (lo + hi) / math.Sqrt2
				tmp[2*i+1] = (lo - hi) / math.Sqrt2
			}

			copy(c[y*cellSize:y*cellSize+n], tmp[:n])
		}

		n *= 2
	}
}

// qimTarget returns the lattice point nearest v that encodes bit. Bit 0
// sits on multiples of step, bit 1 halfway between.
func qimTarget(v float64, bit byte, step float64) float64 {
	offset := float64(bit) * step / 2

	return math.Round((v-offset)/step)*step + offset
}

// qimSoft returns +1 for a value on the bit-0 lattice, -1 on the bit-1
// lattice, and values between for anything in between.
func qimSoft(v, step float64) float64 {
	return math.Cos(2 * math.Pi * v / step)
}

// bayer is the 8x8 ordered-dither matrix. Rounding pixel deltas against it
// keeps the rounding error of a block from adding up coherently.
var bayer = [cellSize * cellSize]float64{
	0, 32, 8, 40, 2, 34, 10, 42,
	48, 16, 56, 24, 50, 18, 58, 26,
	12, 44, 4, 36, 14, 46, 6, 38,
	60, 28, 52, 20, 62, 30, 54, 22,
	3, 35, 11, 43, 1, 33, 9, 41,
	51, 19, 59, 27, 49, 17, 57, 25,
	15, 47, 7, 39, 13, 45, 5, 37,
	63, 31, 55, 23, 61, 29, 53, 21,
}

func ditherThreshold(i int) float64 {
	return (bayer[i] + 0.5) / 64
}
