package watermark

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/piwi3910/podshield/internal/metrics"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

// A payload copy is laid out as a tile of cells: a sync word followed by the
// whitened codeword. Tiles repeat across the whole image.
const (
	tileW     = 26
	tileH     = 16
	syncBits  = 16
	tileCells = tileW * tileH

	// syncThreshold is the minimum normalized sync correlation for a tile
	// phase to be tried.
	syncThreshold = 0.4
	maxCandidates = 4
	embedPasses   = 4
)

// ErrImageTooSmall is returned when an image cannot hold the configured
// number of payload copies.
var ErrImageTooSmall = &apierrors.Error{
	Kind:    apierrors.KindValidation,
	Code:    "IMAGE_TOO_SMALL",
	Message: "image is too small for the configured watermark redundancy",
}

var (
	syncWord = []byte{1, 1, 1, 0, 1, 0, 0, 0, 0, 1, 0, 1, 1, 0, 0, 1}

	whitening = func() []byte {
		sum := blake3.Sum512([]byte("podshield/watermark/whitening/v1"))
		return unpackBits(sum[:])[:CodewordBits]
	}()
)

// MinImageSize returns the smallest width and height that hold one payload
// copy.
func MinImageSize() (int, int) {
	return tileW * cellSize, tileH * cellSize
}

// DetectResult is the outcome of screening an image.
type DetectResult struct {
	Payload *Payload `json:"payload,omitempty"`
	Method  Method   `json:"method,omitempty"`
	// Confidence is the share of embedded cells, across every copy, that
	// agree with the recovered payload.
	Confidence float64 `json:"confidence"`
	Copies     int     `json:"copies"`
	Detected   bool    `json:"detected"`
}

// Engine embeds and detects invisible payloads.
type Engine struct {
	codec *Codec
}

// NewEngine creates an engine around a payload codec.
func NewEngine(codec *Codec) *Engine {
	return &Engine{codec: codec}
}

// tileBits returns the tileCells bits of one payload copy.
func (e *Engine) tileBits(p Payload) ([]byte, error) {
	code, err := e.codec.Encode(p)
	if err != nil {
		return nil, err
	}

	bits := make([]byte, 0, tileCells)
	bits = append(bits, syncWord...)

	for i, b := range code {
		bits = append(bits, b^whitening[i])
	}

	return bits, nil
}

// Embed returns a copy of img carrying p.
func (e *Engine) Embed(img image.Image, p Payload, cfg InvisibleConfig) (*image.RGBA, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := img.Bounds()
	cellsX, cellsY := b.Dx()/cellSize, b.Dy()/cellSize

	if copies := (cellsX / tileW) * (cellsY / tileH); copies < cfg.Redundancy {
		return nil, ErrImageTooSmall.WithResource(b.Size().String())
	}

	bits, err := e.tileBits(p)
	if err != nil {
		return nil, err
	}

	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)

	t := transformFor(cfg.Method)
	step := steps[cfg.Method][strengthLevel(cfg.Strength)]
	w := newChannelWeights(cfg.Channels)

	for gy := range cellsY {
		for gx := range cellsX {
			bit := bits[(gy%tileH)*tileW+gx%tileW]
			embedCell(dst, gx*cellSize, gy*cellSize, t, step, bit, w)
		}
	}

	metrics.RecordWatermarkEmbed(string(cfg.Method))

	return dst, nil
}

type channelWeights struct {
	use   [3]bool
	scale float64
}

// Luma weights match color.RGBToYCbCr.
var lumaWeights = [3]float64{19595.0 / 65536, 38470.0 / 65536, 7471.0 / 65536}

func newChannelWeights(chs []Channel) channelWeights {
	var w channelWeights

	sum := 0.0

	for _, ch := range chs {
		i := map[Channel]int{ChannelRed: 0, ChannelGreen: 1, ChannelBlue: 2}[ch]
		if !w.use[i] {
			w.use[i] = true
			sum += lumaWeights[i]
		}
	}

	w.scale = 1 / sum

	return w
}

func (w channelWeights) all() bool {
	return w.use[0] && w.use[1] && w.use[2]
}

func embedCell(dst *image.RGBA, x0, y0 int, t transform, step float64, bit byte, w channelWeights) {
	var c cell

	for range embedPasses {
		loadCell(dst, x0, y0, &c)

		v := t.measure(&c)

		diff := qimTarget(v, bit, step) - v
		if math.Abs(diff) <= step*0.05 {
			return
		}

		dir := t.direction()

		for i := range c {
			off := dst.PixOffset(x0+i%cellSize, y0+i/cellSize)
			delta := diff * dir[i]
			thr := ditherThreshold(i)

			if w.all() {
				d := math.Floor(delta + thr)
				for ch := range 3 {
					dst.Pix[off+ch] = clamp8(float64(dst.Pix[off+ch]) + d)
				}

				continue
			}

			d := math.Floor(delta*w.scale + thr)
			for ch := range 3 {
				if w.use[ch] {
					dst.Pix[off+ch] = clamp8(float64(dst.Pix[off+ch]) + d)
				}
			}
		}
	}
}

func loadCell(img *image.RGBA, x0, y0 int, c *cell) {
	for i := range c {
		off := img.PixOffset(x0+i%cellSize, y0+i/cellSize)
		y, _, _ := color.RGBToYCbCr(img.Pix[off], img.Pix[off+1], img.Pix[off+2])
		c[i] = float64(y)
	}
}

func clamp8(v float64) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return uint8(v)
	}
}

// lumaPlane is the luminance of an image as the JPEG encoder sees it.
type lumaPlane struct {
	pix  []float64
	w, h int
}

func lumaOf(img image.Image) *lumaPlane {
	b := img.Bounds()
	l := &lumaPlane{w: b.Dx(), h: b.Dy(), pix: make([]float64, b.Dx()*b.Dy())}

	switch src := img.(type) {
	case *image.YCbCr:
		for y := range l.h {
			for x := range l.w {
				l.pix[y*l.w+x] = float64(src.Y[src.YOffset(b.Min.X+x, b.Min.Y+y)])
			}
		}
	case *image.RGBA:
		for y := range l.h {
			for x := range l.w {
				off := src.PixOffset(b.Min.X+x, b.Min.Y+y)
				yy, _, _ := color.RGBToYCbCr(src.Pix[off], src.Pix[off+1], src.Pix[off+2])
				l.pix[y*l.w+x] = float64(yy)
			}
		}
	default:
		for y := range l.h {
			for x := range l.w {
				r, g, bb, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				yy, _, _ := color.RGBToYCbCr(uint8(r>>8), uint8(g>>8), uint8(bb>>8))
				l.pix[y*l.w+x] = float64(yy)
			}
		}
	}

	return l
}

type grid struct {
	values []float64
	cols   int
	rows   int
}

func (l *lumaPlane) measureGrid(t transform, ox, oy int) grid {
	g := grid{cols: (l.w - ox) / cellSize, rows: (l.h - oy) / cellSize}
	if g.cols <= 0 || g.rows <= 0 {
		return g
	}

	g.values = make([]float64, g.cols*g.rows)

	var c cell

	for gy := range g.rows {
		for gx := range g.cols {
			x0, y0 := ox+gx*cellSize, oy+gy*cellSize
			for i := range c {
				c[i] = l.pix[(y0+i/cellSize)*l.w+x0+i%cellSize]
			}

			g.values[gy*g.cols+gx] = t.measure(&c)
		}
	}

	return g
}

// Detect screens img for an embedded payload. The block grid alignment and
// tile phase are searched so cropped images are still recognized; the
// uncropped alignment is tried first.
func (e *Engine) Detect(img image.Image) *DetectResult {
	l := lumaOf(img)

	offsets := make([][2]int, 0, cellSize*cellSize)
	for oy := range cellSize {
		for ox := range cellSize {
			offsets = append(offsets, [2]int{ox, oy})
		}
	}

	for _, off := range offsets {
		for _, m := range Methods {
			g := l.measureGrid(transformFor(m), off[0], off[1])
			if len(g.values) < tileCells {
				continue
			}

			for _, step := range steps[m] {
				if res := e.decodeGrid(g, step); res != nil {
					res.Method = m
					metrics.RecordWatermarkDetection(true)

					return res
				}
			}
		}
	}

	metrics.RecordWatermarkDetection(false)

	return &DetectResult{}
}

type phase struct {
	score  float64
	px, py int
}

func (e *Engine) decodeGrid(g grid, step float64) *DetectResult {
	soft := make([]float64, len(g.values))
	for i, v := range g.values {
		soft[i] = qimSoft(v, step)
	}

	var (
		fold  [tileCells]float64
		count [tileCells]int
	)

	for gy := range g.rows {
		for gx := range g.cols {
			idx := (gy%tileH)*tileW + gx%tileW
			fold[idx] += soft[gy*g.cols+gx]
			count[idx]++
		}
	}

	for i := range fold {
		if count[i] > 0 {
			fold[i] /= float64(count[i])
		}
	}

	// slot maps a tile position to its fold slot for a phase.
	slot := func(tilePos, px, py int) int {
		tx, ty := tilePos%tileW, tilePos/tileW

		return ((ty-py+tileH)%tileH)*tileW + (tx-px+tileW)%tileW
	}

	var candidates []phase

	for py := range tileH {
		for px := range tileW {
			score := 0.0

			for i, bit := range syncWord {
				s := fold[slot(i, px, py)]
				if bit == 1 {
					s = -s
				}

				score += s
			}

			score /= syncBits
			if score >= syncThreshold {
				candidates = append(candidates, phase{score: score, px: px, py: py})
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}

	bits := make([]byte, CodewordBits)

	for _, c := range candidates {
		for k := range bits {
			var hard byte
			if fold[slot(syncBits+k, c.px, c.py)] < 0 {
				hard = 1
			}

			bits[k] = hard ^ whitening[k]
		}

		p, err := e.codec.Decode(bits)
		if err != nil {
			continue
		}

		expected, err := e.tileBits(p)
		if err != nil {
			continue
		}

		agree := 0

		for gy := range g.rows {
			for gx := range g.cols {
				pos := ((gy+c.py)%tileH)*tileW + (gx+c.px)%tileW

				hard := byte(0)
				if soft[gy*g.cols+gx] < 0 {
					hard = 1
				}

				if hard == expected[pos] {
					agree++
				}
			}
		}

		return &DetectResult{
			Payload:    &p,
			Detected:   true,
			Confidence: float64(agree) / float64(len(soft)),
			Copies:     len(soft) / tileCells,
		}
	}

	return nil
}
