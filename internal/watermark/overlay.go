package watermark

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// maxBlocks caps tiled and border layouts on very large viewports.
const maxBlocks = 400

// TextBlock is one positioned overlay label. X and Y locate the block
// center in viewport pixels.
type TextBlock struct {
	Lines    []string `json:"lines"`
	X        int      `json:"x"`
	Y        int      `json:"y"`
	Rotation float64  `json:"rotation"`
}

// Overlay is the rendered visible watermark. Identical inputs within the
// same minute produce an identical overlay, fingerprint included.
type Overlay struct {
	Bucket      time.Time   `json:"bucket"`
	Fingerprint string      `json:"fingerprint"`
	ConfigID    string      `json:"configId"`
	SessionID   string      `json:"sessionId"`
	Pattern     Pattern     `json:"pattern"`
	FontFamily  string      `json:"fontFamily"`
	Color       string      `json:"color"`
	Blocks      []TextBlock `json:"blocks"`
	Viewport    Viewport    `json:"viewport"`
	Opacity     float64     `json:"opacity"`
	FontSize    int         `json:"fontSize"`
}

var overlayEncMode cbor.EncMode

func init() {
	var err error

	overlayEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("watermark: CBOR encoder initialization failed: " + err.Error())
	}
}

// GenerateOverlay renders the overlay for a session. It performs no I/O and
// depends only on its arguments, with now truncated to the minute.
func GenerateOverlay(sc SessionContext, cfg *Configuration, vp Viewport, now time.Time) (*Overlay, error) {
	if vp.Width <= 0 || vp.Height <= 0 {
		return nil, fmt.Errorf("invalid viewport %dx%d", vp.Width, vp.Height)
	}

	bucket := now.UTC().Truncate(time.Minute)
	v := cfg.Visible

	o := &Overlay{
		Bucket:     bucket,
		ConfigID:   cfg.ID,
		SessionID:  sc.SessionID,
		Pattern:    v.Pattern,
		FontFamily: v.FontFamily,
		Color:      v.Color,
		Viewport:   vp,
		Opacity:    v.Opacity,
		FontSize:   v.FontSize,
	}

	lines := contentLines(sc, v.Content, bucket)
	if len(lines) == 0 {
		lines = []string{sc.SessionID}
	}

	o.Blocks = layout(v, vp, lines)

	fp, err := fingerprint(o)
	if err != nil {
		return nil, err
	}

	o.Fingerprint = fp

	return o, nil
}

func contentLines(sc SessionContext, f ContentFields, bucket time.Time) []string {
	var lines []string

	if f.UserEmail && sc.UserEmail != "" {
		lines = append(lines, sc.UserEmail)
	}

	if f.SessionID && sc.SessionID != "" {
		lines = append(lines, sc.SessionID)
	}

	if f.Timestamp {
		lines = append(lines, bucket.Format("2006-01-02 15:04 UTC"))
	}

	if f.IPAddress && sc.IPAddress != "" {
		lines = append(lines, sc.IPAddress)
	}

	if t := strings.TrimSpace(f.CustomText); t != "" {
		lines = append(lines, t)
	}

	return lines
}

func layout(v VisibleConfig, vp Viewport, lines []string) []TextBlock {
	block := func(x, y int, rotation float64) TextBlock {
		return TextBlock{Lines: lines, X: x, Y: y, Rotation: rotation}
	}

	margin := v.FontSize * 2
	w, h := vp.Width, vp.Height

	switch v.Pattern {
	case PatternCenter:
		return []TextBlock{block(w/2, h/2, v.Rotation)}

	case PatternCorner:
		return []TextBlock{
			block(margin, margin, 0),
			block(w-margin, margin, 0),
			block(margin, h-margin, 0),
			block(w-margin, h-margin, 0),
		}

	case PatternBorder:
		var out []TextBlock

		for x := margin; x <= w-margin && len(out) < maxBlocks; x += v.Spacing {
			out = append(out, block(x, margin, 0), block(x, h-margin, 0))
		}

		for y := margin + v.Spacing; y < h-margin && len(out) < maxBlocks; y += v.Spacing {
			out = append(out, block(margin, y, 90), block(w-margin, y, 90))
		}

		return out

	default:
		var out []TextBlock

		// Odd rows are staggered by half the spacing.
		for row, y := 0, v.Spacing/2; y < h; row, y = row+1, y+v.Spacing {
			x := v.Spacing / 2
			if row%2 == 1 {
				x += v.Spacing / 2
			}

			for ; x < w; x += v.Spacing {
				if len(out) == maxBlocks {
					return out
				}

				out = append(out, block(x, y, v.Rotation))
			}
		}

		return out
	}
}

// fingerprint hashes the deterministic CBOR encoding of the overlay with its
// fingerprint field cleared.
func fingerprint(o *Overlay) (string, error) {
	c := *o
	c.Fingerprint = ""

	data, err := overlayEncMode.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("failed to encode overlay: %w", err)
	}

	sum := blake3.Sum256(data)

	return hex.EncodeToString(sum[:16]), nil
}
