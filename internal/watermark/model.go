// Package watermark implements session watermarking: the visible overlay
// shown on top of a session's screen and the invisible payload embedded in
// pixel data, together with the configuration and per-session instance
// services that drive them.
package watermark

import (
	"slices"
	"strings"
	"time"

	"github.com/piwi3910/podshield/pkg/apierrors"
)

// Pattern places overlay text blocks on screen.
type Pattern string

const (
	PatternTiled  Pattern = "TILED"
	PatternCorner Pattern = "CORNER"
	PatternCenter Pattern = "CENTER"
	PatternBorder Pattern = "BORDER"
)

// Method is the invisible embedding domain.
type Method string

const (
	// MethodBitPlane substitutes a bit plane of the block-mean luminance.
	MethodBitPlane Method = "BIT_PLANE"
	// MethodDCT quantizes a mid-frequency DCT coefficient per block.
	MethodDCT Method = "DCT"
	// MethodDWT quantizes the approximation band of a two-level Haar wavelet.
	MethodDWT Method = "DWT"
)

// Methods lists every embedding method in detection order.
var Methods = []Method{MethodBitPlane, MethodDCT, MethodDWT}

// Channel is a color channel the invisible mark may alter.
type Channel string

const (
	ChannelRed   Channel = "R"
	ChannelGreen Channel = "G"
	ChannelBlue  Channel = "B"
)

// ContentFields selects what the visible overlay shows.
type ContentFields struct {
	CustomText string `json:"customText,omitempty"`
	UserEmail  bool   `json:"userEmail"`
	SessionID  bool   `json:"sessionId"`
	Timestamp  bool   `json:"timestamp"`
	IPAddress  bool   `json:"ipAddress"`
}

// VisibleConfig styles the on-screen overlay.
type VisibleConfig struct {
	Pattern    Pattern       `json:"pattern"`
	FontFamily string        `json:"fontFamily"`
	Color      string        `json:"color"`
	Content    ContentFields `json:"content"`
	// Opacity in (0, 1].
	Opacity float64 `json:"opacity"`
	// Rotation in degrees, applied to tiled and centered blocks.
	Rotation float64 `json:"rotation"`
	// Spacing in pixels between repeated blocks.
	Spacing  int `json:"spacing"`
	FontSize int `json:"fontSize"`
}

// InvisibleConfig controls the embedded payload.
type InvisibleConfig struct {
	Method   Method    `json:"method"`
	Channels []Channel `json:"channels,omitempty"`
	// Strength in (0, 1]; higher survives harsher recompression at the cost
	// of visibility.
	Strength float64 `json:"strength"`
	// Redundancy is the minimum number of complete payload copies the image
	// must hold.
	Redundancy int  `json:"redundancy"`
	Enabled    bool `json:"enabled"`
}

// Configuration is a named tenant watermark configuration.
type Configuration struct {
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	ID        string          `json:"id"`
	TenantID  string          `json:"tenantId"`
	Name      string          `json:"name"`
	Visible   VisibleConfig   `json:"visible"`
	Invisible InvisibleConfig `json:"invisible"`
	IsDefault bool            `json:"isDefault"`
}

// ApplyDefaults fills unset style fields.
func (c *Configuration) ApplyDefaults() {
	v := &c.Visible
	if v.Pattern == "" {
		v.Pattern = PatternTiled
	}

	if v.Opacity == 0 {
		v.Opacity = 0.15
	}

	if v.Spacing == 0 {
		v.Spacing = 240
	}

	if v.FontSize == 0 {
		v.FontSize = 14
	}

	if v.FontFamily == "" {
		v.FontFamily = "sans-serif"
	}

	if v.Color == "" {
		v.Color = "#808080"
	}

	inv := &c.Invisible
	if inv.Method == "" {
		inv.Method = MethodDCT
	}

	if inv.Strength == 0 {
		inv.Strength = 0.5
	}

	if inv.Redundancy == 0 {
		inv.Redundancy = 2
	}

	if len(inv.Channels) == 0 {
		inv.Channels = []Channel{ChannelRed, ChannelGreen, ChannelBlue}
	}

	for i, ch := range inv.Channels {
		inv.Channels[i] = Channel(strings.ToUpper(string(ch)))
	}
}

// Validate rejects configurations the renderer or embedder cannot use.
func (c *Configuration) Validate() error {
	if c.TenantID == "" {
		return apierrors.Validation("watermark configuration tenantId is required")
	}

	if strings.TrimSpace(c.Name) == "" {
		return apierrors.Validation("watermark configuration name is required")
	}

	v := c.Visible
	switch v.Pattern {
	case PatternTiled, PatternCorner, PatternCenter, PatternBorder:
	default:
		return apierrors.Validation("invalid pattern %q", v.Pattern)
	}

	if v.Opacity <= 0 || v.Opacity > 1 {
		return apierrors.Validation("opacity must be in (0, 1]")
	}

	if v.Spacing < 16 || v.FontSize <= 0 {
		return apierrors.Validation("spacing must be at least 16 and fontSize positive")
	}

	return c.Invisible.Validate()
}

// Validate checks the invisible sub-configuration.
func (c InvisibleConfig) Validate() error {
	if !slices.Contains(Methods, c.Method) {
		return apierrors.Validation("invalid method %q", c.Method)
	}

	if c.Strength <= 0 || c.Strength > 1 {
		return apierrors.Validation("strength must be in (0, 1]")
	}

	if c.Redundancy < 1 || c.Redundancy > 64 {
		return apierrors.Validation("redundancy must be between 1 and 64")
	}

	if len(c.Channels) == 0 {
		return apierrors.Validation("at least one channel is required")
	}

	for _, ch := range c.Channels {
		switch ch {
		case ChannelRed, ChannelGreen, ChannelBlue:
		default:
			return apierrors.Validation("invalid channel %q", ch)
		}
	}

	return nil
}

// Clone returns a deep copy.
func (c *Configuration) Clone() *Configuration {
	out := *c
	out.Invisible.Channels = slices.Clone(c.Invisible.Channels)

	return &out
}

// SessionContext identifies the viewer a watermark is rendered for.
type SessionContext struct {
	Timestamp time.Time `json:"timestamp"`
	TenantID  string    `json:"tenantId"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	UserEmail string    `json:"userEmail"`
	IPAddress string    `json:"ipAddress"`
}

// Viewport is the screen area the overlay covers.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Instance binds a configuration to a live session.
type Instance struct {
	CreatedAt  time.Time      `json:"createdAt"`
	Overlay    *Overlay       `json:"overlay"`
	Context    SessionContext `json:"context"`
	SessionID  string         `json:"sessionId"`
	TenantID   string         `json:"tenantId"`
	ConfigID   string         `json:"configId"`
	SessionTag string         `json:"sessionTag"`
	Viewport   Viewport       `json:"viewport"`
	// Invisible is the embedding configuration snapshot used for this
	// session.
	Invisible InvisibleConfig `json:"invisible"`
}
