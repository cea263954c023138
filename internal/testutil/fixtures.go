package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"time"

	"github.com/piwi3910/podshield/internal/policy"
	"github.com/piwi3910/podshield/internal/session"
)

// Test fixture constants.
const (
	DefaultTestTenant = "tenant-1"
	DefaultTestUser   = "user-1"
	DefaultTestEmail  = "contractor@example.com"
	DefaultTestIP     = "203.0.113.7"
)

// NewTestSession creates a running session owned by DefaultTestUser.
func NewTestSession(id, policyID string) *session.Session {
	now := time.Now().UTC()

	return &session.Session{
		ID:        id,
		TenantID:  DefaultTestTenant,
		UserID:    DefaultTestUser,
		UserEmail: DefaultTestEmail,
		PolicyID:  policyID,
		State:     session.StateRunning,
		ClientIP:  DefaultTestIP,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// NewPermissivePolicy allows every channel without scanning. Override fields
// as needed for specific test cases.
func NewPermissivePolicy(id string) *policy.SecurityPolicy {
	p := &policy.SecurityPolicy{
		ID:                 id,
		TenantID:           DefaultTestTenant,
		Name:               "permissive-" + id,
		ClipboardPolicy:    policy.ClipboardBidirectional,
		FileDownloadPolicy: policy.FileAllowed,
		FileUploadPolicy:   policy.FileAllowed,
		PrintPolicy:        policy.PrintAllowed,
		USBPolicy:          policy.USBAllowed,
		Version:            1,
	}
	p.ApplyDefaults()

	return p
}

// NewTexturedImage returns a deterministic RGBA image with mid-range
// textured content, the kind of screen content a watermark is embedded in.
func NewTexturedImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	for y := range h {
		for x := range w {
			v := 40 + (x*7+y*13+(x*y)%29)%176
			img.Set(x, y, color.RGBA{
				R: uint8(v),
				G: uint8(40 + (v+60)%176),
				B: uint8(40 + (v*3)%176),
				A: 255,
			})
		}
	}

	return img
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) []byte {
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)

	return buf.Bytes()
}
