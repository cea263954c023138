package gateway

import (
	"context"
	"strings"

	"github.com/piwi3910/podshield/internal/policy"
)

// Capture types reported by clients.
const (
	CaptureScreenshot      = "SCREENSHOT"
	CaptureScreenRecording = "SCREEN_RECORDING"
	CaptureRemoteShare     = "REMOTE_SHARE"
)

// CaptureVerdict is the classifier's decision on a capture attempt.
type CaptureVerdict struct {
	Reason  string
	Blocked bool
	Logged  bool
}

// ScreenshotClassifier decides what to do with a reported capture attempt.
type ScreenshotClassifier interface {
	Classify(ctx context.Context, pol *policy.SecurityPolicy, data *ScreenCaptureData) CaptureVerdict
}

// PolicyClassifier applies the session policy's screen-capture flag. Every
// attempt is logged; it is blocked when the policy blocks screen capture.
// Without a policy every attempt is blocked.
type PolicyClassifier struct{}

// Classify implements ScreenshotClassifier.
func (PolicyClassifier) Classify(_ context.Context, pol *policy.SecurityPolicy, _ *ScreenCaptureData) CaptureVerdict {
	if pol == nil {
		return CaptureVerdict{Reason: "NO_POLICY", Blocked: true, Logged: true}
	}

	if pol.ScreenCaptureBlocked {
		return CaptureVerdict{Reason: "SCREEN_CAPTURE_BLOCKED", Blocked: true, Logged: true}
	}

	return CaptureVerdict{Reason: "SCREEN_CAPTURE_LOGGED", Logged: true}
}

func normalizeCaptureType(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return CaptureScreenshot
	}

	return s
}
