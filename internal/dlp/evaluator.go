package dlp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"mime"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/podshield/internal/audit"
	"github.com/piwi3910/podshield/internal/events"
	"github.com/piwi3910/podshield/internal/metrics"
	"github.com/piwi3910/podshield/internal/patterns"
	"github.com/piwi3910/podshield/internal/policy"
	"github.com/piwi3910/podshield/internal/scanner"
	"github.com/piwi3910/podshield/internal/session"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

// PolicyResolver returns the policy governing a session.
type PolicyResolver interface {
	Resolve(ctx context.Context, sessionID string) (*policy.SecurityPolicy, error)
}

// Recorder persists transfer attempts.
type Recorder interface {
	Record(ctx context.Context, attempt *audit.TransferAttempt) (*audit.SecurityViolation, error)
}

// KillChecker reports sessions whose access was revoked by the kill switch.
type KillChecker interface {
	Killed(sessionID string) bool
}

// Evaluator decides transfer requests.
type Evaluator struct {
	policies PolicyResolver
	sessions session.Directory
	scanner  *scanner.Scanner
	recorder Recorder
	bus      events.Bus
	kills    KillChecker
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithKillChecker makes the evaluator refuse every action of killed sessions.
func WithKillChecker(k KillChecker) Option {
	return func(e *Evaluator) { e.kills = k }
}

// WithBus publishes a SecurityAlert for every denied transfer.
func WithBus(bus events.Bus) Option {
	return func(e *Evaluator) { e.bus = bus }
}

// NewEvaluator creates a transfer evaluator. sessions supplies the tenant
// and user recorded with each attempt.
func NewEvaluator(policies PolicyResolver, sessions session.Directory, sc *scanner.Scanner, recorder Recorder, opts ...Option) *Evaluator {
	e := &Evaluator{
		policies: policies,
		sessions: sessions,
		scanner:  sc,
		recorder: recorder,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// EvaluateTransfer decides one request. It only returns an error for
// malformed requests; every well-formed request yields a recorded decision,
// including fail-closed ones.
func (e *Evaluator) EvaluateTransfer(ctx context.Context, req *TransferRequest) (*Decision, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	var (
		pol      *policy.SecurityPolicy
		decision *Decision
	)

	if e.kills != nil && e.kills.Killed(req.SessionID) {
		decision = deny(ReasonSessionTerminated)
	} else {
		var err error

		pol, err = e.policies.Resolve(ctx, req.SessionID)

		switch {
		case err == nil:
			decision = e.decide(ctx, pol, req)
		case errors.Is(err, apierrors.ErrNotFound), errors.Is(err, policy.ErrNoPolicy):
			decision = deny(ReasonNoPolicy)
		default:
			log.Error().Err(err).Str("session_id", req.SessionID).Msg("Policy resolution failed, denying transfer")

			decision = deny(ReasonPolicyUnavailable)
		}
	}

	decision.TransferType = req.Action.TransferType()
	decision.Direction = req.Action.Direction()

	if len(req.Content) > 0 {
		sum := sha256.Sum256(req.Content)
		decision.ContentHash = hex.EncodeToString(sum[:])
	}

	decision.Allowed = !decision.Action.Denied()

	e.record(ctx, pol, req, decision)

	metrics.RecordTransferDecision(string(decision.TransferType), string(decision.Action), decision.Reason, time.Since(start))

	return decision, nil
}

func (e *Evaluator) decide(ctx context.Context, pol *policy.SecurityPolicy, req *TransferRequest) *Decision {
	if d := gate(pol, req); d != nil {
		return d
	}

	if d := checkShape(pol, req); d != nil {
		return d
	}

	d := e.inspect(ctx, pol, req)
	if d != nil && d.Action.Denied() {
		return d
	}

	result := &Decision{Action: audit.DecisionAllowed, Reason: ReasonAllowed}
	if loggedOnly(pol, req.Action) {
		result.Action = audit.DecisionLogged
		result.Reason = ReasonLoggedOnly
	}

	if d != nil {
		result.SensitiveDataTypes = d.SensitiveDataTypes
		result.ScanSkipped = d.ScanSkipped
	}

	result.Message = Message(result.Reason)

	return result
}

// gate applies the channel rule of the policy. It returns nil when the rule
// lets the request continue to the shape checks.
func gate(pol *policy.SecurityPolicy, req *TransferRequest) *Decision {
	switch req.Action {
	case ActionClipboardCopy, ActionClipboardPaste:
		switch pol.ClipboardPolicy {
		case policy.ClipboardBlocked:
			return deny(ReasonClipboardBlocked)
		case policy.ClipboardApprovalRequired:
			return quarantine()
		case policy.ClipboardReadOnly:
			if req.Action == ActionClipboardCopy {
				return deny(ReasonClipboardDirectionBlocked)
			}
		case policy.ClipboardWriteOnly:
			if req.Action == ActionClipboardPaste {
				return deny(ReasonClipboardDirectionBlocked)
			}
		}

	case ActionFileDownload:
		return fileGate(pol.FileDownloadPolicy, ReasonFileDownloadBlocked)

	case ActionFileUpload:
		return fileGate(pol.FileUploadPolicy, ReasonFileUploadBlocked)

	case ActionPrint:
		switch pol.PrintPolicy {
		case policy.PrintBlocked:
			return deny(ReasonPrintBlocked)
		case policy.PrintApprovalRequired:
			return quarantine()
		case policy.PrintLocalOnly:
			if req.Print == nil || req.Print.Destination != PrintLocal {
				return deny(ReasonPrintDestinationBlocked)
			}
		case policy.PrintPDFOnly:
			if req.Print == nil || req.Print.Destination != PrintPDF {
				return deny(ReasonPrintDestinationBlocked)
			}
		}

	case ActionUSBAccess:
		switch pol.USBPolicy {
		case policy.USBBlocked:
			return deny(ReasonUSBBlocked)
		case policy.USBStorageBlocked:
			// An unidentified device may be storage.
			if req.USB == nil || req.USB.Storage() {
				return deny(ReasonUSBStorageBlocked)
			}
		case policy.USBWhitelistOnly:
			if req.USB == nil || !pol.USBWhitelisted(req.USB.VendorID, req.USB.ProductID) {
				return deny(ReasonUSBDeviceNotWhitelisted)
			}
		}
	}

	return nil
}

func fileGate(rule policy.FileTransferRule, blocked string) *Decision {
	switch rule {
	case policy.FileBlocked:
		return deny(blocked)
	case policy.FileApprovalRequired:
		return quarantine()
	default:
		return nil
	}
}

func loggedOnly(pol *policy.SecurityPolicy, a Action) bool {
	switch a {
	case ActionFileDownload:
		return pol.FileDownloadPolicy == policy.FileLoggedOnly
	case ActionFileUpload:
		return pol.FileUploadPolicy == policy.FileLoggedOnly
	default:
		return false
	}
}

// checkShape applies extension, size and MIME constraints.
func checkShape(pol *policy.SecurityPolicy, req *TransferRequest) *Decision {
	switch req.Action {
	case ActionClipboardCopy, ActionClipboardPaste:
		if pol.MaxClipboardBytes > 0 && req.Size() > pol.MaxClipboardBytes {
			return deny(ReasonClipboardSizeExceeded)
		}

	case ActionFileDownload, ActionFileUpload:
		rules := pol.FileRules
		ext := policy.Extension(req.FileName)

		if ext != "" && slices.Contains(rules.BlockedExtensions, ext) {
			return deny(ReasonFileTypeBlocked)
		}

		if len(rules.AllowedExtensions) > 0 && !slices.Contains(rules.AllowedExtensions, ext) {
			return deny(ReasonFileTypeBlocked)
		}

		if rules.MaxFileSize > 0 && req.Size() > rules.MaxFileSize {
			return deny(ReasonFileSizeExceeded)
		}

		if len(rules.AllowedMimeTypes) > 0 && !mimeAllowed(rules.AllowedMimeTypes, req.MimeType) {
			return deny(ReasonMIMETypeBlocked)
		}
	}

	return nil
}

// mimeAllowed matches a declared type against an allow list that may hold
// wildcards such as "image/*".
func mimeAllowed(allowed []string, declared string) bool {
	mt, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return false
	}

	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))

		if a == mt {
			return true
		}

		if prefix, ok := strings.CutSuffix(a, "/*"); ok && strings.HasPrefix(mt, prefix+"/") {
			return true
		}
	}

	return false
}

// inspect scans content. It returns a denying decision, or a non-denying one
// carrying the scan observations, or nil when nothing was scanned.
func (e *Evaluator) inspect(ctx context.Context, pol *policy.SecurityPolicy, req *TransferRequest) *Decision {
	if len(req.Content) == 0 || e.scanner == nil {
		return nil
	}

	settings := pol.Scanning
	out := &Decision{Action: audit.DecisionAllowed}

	if settings.SensitiveDataScan && req.Action.Direction() == audit.DirectionOutbound && req.Action != ActionUSBAccess {
		res, err := e.scanner.ScanForSensitiveData(ctx, req.Content, req.MimeType)

		switch {
		case errors.Is(err, apierrors.ErrScanTimeout):
			if settings.SensitiveTimeoutMode != policy.FailOpen {
				return deny(ReasonScanTimeout)
			}

			out.ScanSkipped = true
		case err != nil:
			log.Error().Err(err).Str("session_id", req.SessionID).Msg("Sensitive data scan failed")
			return deny(ReasonScanFailed)
		case res.Skipped:
			if !settings.AllowUnscannedContent {
				return deny(ReasonContentNotScanned)
			}

			out.ScanSkipped = true
		default:
			types := categoryNames(res.Categories(patterns.SeverityLow))

			if res.Highest().AtLeast(patterns.SeverityHigh) {
				d := deny(ReasonSensitiveDataBlocked)
				d.SensitiveDataTypes = types

				return d
			}

			out.SensitiveDataTypes = types
		}
	}

	if settings.MalwareScan && req.Action == ActionFileUpload {
		res, err := e.scanner.ScanForMalware(ctx, req.Content, req.FileName, req.MimeType)

		switch {
		case errors.Is(err, apierrors.ErrScanTimeout):
			risk := scanner.FileRisk(req.FileName, req.MimeType)
			if risk.AtLeast(settings.MalwareFailClosedRisk) || settings.MalwareTimeoutMode == policy.FailClosed {
				return deny(ReasonScanTimeout)
			}

			out.ScanSkipped = true
		case err != nil:
			log.Error().Err(err).Str("session_id", req.SessionID).Msg("Malware scan failed")
			return deny(ReasonScanFailed)
		case res.Skipped:
			if !settings.AllowUnscannedContent {
				return deny(ReasonContentNotScanned)
			}

			out.ScanSkipped = true
		case !res.Clean:
			d := deny(ReasonMalwareDetected)
			d.ThreatName = res.ThreatName
			d.Message = Message(ReasonMalwareDetected) + ": " + res.ThreatName

			return d
		}
	}

	return out
}

func categoryNames(cats []patterns.Category) []string {
	if len(cats) == 0 {
		return nil
	}

	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = string(c)
	}

	return out
}

func (e *Evaluator) record(ctx context.Context, pol *policy.SecurityPolicy, req *TransferRequest, d *Decision) {
	attempt := &audit.TransferAttempt{
		SessionID:          req.SessionID,
		TransferType:       d.TransferType,
		Direction:          d.Direction,
		FileName:           req.FileName,
		ContentType:        req.MimeType,
		ContentHash:        d.ContentHash,
		Decision:           d.Action,
		Reason:             d.Reason,
		SensitiveDataTypes: d.SensitiveDataTypes,
		ContentSize:        req.Size(),
		ScanSkipped:        d.ScanSkipped,
	}

	if pol != nil {
		attempt.PolicyID = pol.ID
		attempt.PolicyVersion = pol.Version
		attempt.TenantID = pol.TenantID
	}

	if e.sessions != nil {
		if sess, err := e.sessions.GetSession(ctx, req.SessionID); err == nil {
			attempt.TenantID = sess.TenantID
			attempt.UserID = sess.UserID
		}
	}

	var violation *audit.SecurityViolation

	if e.recorder != nil {
		v, err := e.recorder.Record(ctx, attempt)
		if err != nil {
			log.Error().Err(err).
				Str("session_id", req.SessionID).
				Str("reason", d.Reason).
				Msg("Failed to record transfer attempt")
		}

		violation = v
	}

	d.AttemptID = attempt.ID

	if !d.Action.Denied() {
		log.Debug().
			Str("session_id", req.SessionID).
			Str("transfer_type", string(d.TransferType)).
			Str("decision", string(d.Action)).
			Msg("Transfer evaluated")

		return
	}

	log.Warn().
		Str("session_id", req.SessionID).
		Str("tenant_id", attempt.TenantID).
		Str("transfer_type", string(d.TransferType)).
		Str("reason", d.Reason).
		Msg("Transfer denied")

	if e.bus == nil {
		return
	}

	severity := "MEDIUM"
	if violation != nil {
		severity = violation.Severity
	}

	alert := events.SecurityAlert{
		TenantID:  attempt.TenantID,
		SessionID: req.SessionID,
		UserID:    attempt.UserID,
		AlertType: string(d.TransferType),
		Reason:    d.Reason,
		Message:   d.Message,
		Severity:  severity,
		AttemptID: attempt.ID,
	}

	if err := events.Publish(ctx, e.bus, events.TopicSecurityAlerts, attempt.TenantID, req.SessionID, alert); err != nil {
		log.Warn().Err(err).Str("session_id", req.SessionID).Msg("Failed to publish security alert")
	}
}
