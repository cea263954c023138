package dlp_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/podshield/internal/audit"
	"github.com/piwi3910/podshield/internal/dlp"
	"github.com/piwi3910/podshield/internal/events"
	"github.com/piwi3910/podshield/internal/patterns"
	"github.com/piwi3910/podshield/internal/policy"
	"github.com/piwi3910/podshield/internal/scanner"
	"github.com/piwi3910/podshield/internal/testutil"
	"github.com/piwi3910/podshield/internal/testutil/mocks"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

// stubResolver serves one policy for every session it knows.
type stubResolver struct {
	err      error
	policies map[string]*policy.SecurityPolicy
	mu       sync.Mutex
}

func (r *stubResolver) Resolve(_ context.Context, sessionID string) (*policy.SecurityPolicy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}

	p, ok := r.policies[sessionID]
	if !ok {
		return nil, apierrors.NotFound("session", sessionID)
	}

	if p == nil {
		return nil, policy.ErrNoPolicy
	}

	return p.Clone(), nil
}

type killSet map[string]bool

func (k killSet) Killed(id string) bool { return k[id] }

type fixture struct {
	resolver *stubResolver
	bus      *mocks.MockBus
	repo     *audit.Repository
	eval     *dlp.Evaluator
	kills    killSet
}

func newFixture(t *testing.T, p *policy.SecurityPolicy) *fixture {
	t.Helper()

	st := testutil.NewStore(t)

	rec, err := audit.NewRecorder(audit.NewStoreWriter(st), audit.RecorderConfig{})
	require.NoError(t, err)

	dir := mocks.NewMockSessionDirectory()
	dir.Put(testutil.NewTestSession("s1", p.ID))
	dir.Put(testutil.NewTestSession("detached", ""))

	f := &fixture{
		resolver: &stubResolver{policies: map[string]*policy.SecurityPolicy{"s1": p, "detached": nil}},
		bus:      mocks.NewMockBus(),
		repo:     audit.NewRepository(st),
		kills:    killSet{},
	}

	sc := scanner.New(patterns.Default(), scanner.Config{MaxScanBytes: 64 << 10})
	f.eval = dlp.NewEvaluator(f.resolver, dir, sc, rec, dlp.WithBus(f.bus), dlp.WithKillChecker(f.kills))

	return f
}

func (f *fixture) evaluate(t *testing.T, req *dlp.TransferRequest) *dlp.Decision {
	t.Helper()

	if req.SessionID == "" {
		req.SessionID = "s1"
	}

	d, err := f.eval.EvaluateTransfer(context.Background(), req)
	require.NoError(t, err)

	return d
}

func TestClipboardBlockedDeniesCopy(t *testing.T) {
	p := testutil.NewPermissivePolicy("p1")
	p.ClipboardPolicy = policy.ClipboardBlocked
	f := newFixture(t, p)

	d := f.evaluate(t, &dlp.TransferRequest{Action: dlp.ActionClipboardCopy, Content: []byte("hello")})

	assert.False(t, d.Allowed)
	assert.True(t, testutil.ContainsStringInsensitive(d.Reason, "blocked"))
	assert.Equal(t, audit.DecisionBlocked, d.Action)
	assert.NotEmpty(t, d.AttemptID)

	alerts := f.bus.Published(events.TopicSecurityAlerts)
	require.Len(t, alerts, 1)

	var alert events.SecurityAlert
	require.NoError(t, alerts[0].Decode(&alert))
	assert.Equal(t, dlp.ReasonClipboardBlocked, alert.Reason)
	assert.Equal(t, testutil.DefaultTestUser, alert.UserID)
	assert.Equal(t, d.AttemptID, alert.AttemptID)

	violations, err := f.repo.ListViolations(context.Background(), audit.Filter{SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, 1, violations.Total)
	assert.Equal(t, d.AttemptID, violations.Items[0].AttemptID)
}

func TestUploadAllowedWithoutScanning(t *testing.T) {
	f := newFixture(t, testutil.NewPermissivePolicy("p1"))

	content := bytes.Repeat([]byte("plain text line\n"), 640)

	d := f.evaluate(t, &dlp.TransferRequest{
		Action:   dlp.ActionFileUpload,
		FileName: "notes.txt",
		MimeType: "text/plain",
		Content:  content,
	})

	assert.True(t, d.Allowed)
	assert.Equal(t, audit.DecisionAllowed, d.Action)
	assert.Len(t, d.ContentHash, 64)
	assert.Empty(t, f.bus.Published(events.TopicSecurityAlerts))

	attempts, err := f.repo.ListAttempts(context.Background(), audit.Filter{SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, 1, attempts.Total)
	assert.Equal(t, int64(len(content)), attempts.Items[0].ContentSize)
	assert.Equal(t, d.ContentHash, attempts.Items[0].ContentHash)
}

func TestSensitiveClipboardCopyIsBlocked(t *testing.T) {
	p := testutil.NewPermissivePolicy("p1")
	p.Scanning.SensitiveDataScan = true
	f := newFixture(t, p)

	d := f.evaluate(t, &dlp.TransferRequest{
		Action:  dlp.ActionClipboardCopy,
		Content: []byte("card: 4111111111111111"),
	})

	assert.False(t, d.Allowed)
	assert.Equal(t, dlp.ReasonSensitiveDataBlocked, d.Reason)
	assert.Contains(t, d.SensitiveDataTypes, "FINANCIAL")

	// Low-severity findings are recorded but do not block.
	d = f.evaluate(t, &dlp.TransferRequest{
		Action:  dlp.ActionClipboardCopy,
		Content: []byte("write to ops@example.com"),
	})

	assert.True(t, d.Allowed)
	assert.Equal(t, []string{"CONTACT"}, d.SensitiveDataTypes)
}

func TestMissingPolicyFailsClosedForEveryAction(t *testing.T) {
	f := newFixture(t, testutil.NewPermissivePolicy("p1"))

	for _, session := range []string{"detached", "unknown"} {
		for _, action := range dlp.Actions {
			d := f.evaluate(t, &dlp.TransferRequest{SessionID: session, Action: action})
			assert.False(t, d.Allowed, "%s/%s", session, action)
			assert.Equal(t, dlp.ReasonNoPolicy, d.Reason)
		}
	}

	f.resolver.err = apierrors.Transient("sessions", errors.New("down"))

	d := f.evaluate(t, &dlp.TransferRequest{Action: dlp.ActionPrint})
	assert.False(t, d.Allowed)
	assert.Equal(t, dlp.ReasonPolicyUnavailable, d.Reason)
}

func TestEvaluationIsDeterministic(t *testing.T) {
	p := testutil.NewPermissivePolicy("p1")
	p.Scanning.SensitiveDataScan = true
	f := newFixture(t, p)

	req := func() *dlp.TransferRequest {
		return &dlp.TransferRequest{Action: dlp.ActionFileDownload, FileName: "a.csv", Content: []byte("SSN 123-45-6789")}
	}

	first := f.evaluate(t, req())

	for range 5 {
		d := f.evaluate(t, req())
		assert.Equal(t, first.Allowed, d.Allowed)
		assert.Equal(t, first.Action, d.Action)
		assert.Equal(t, first.Reason, d.Reason)
		assert.Equal(t, first.ContentHash, d.ContentHash)
	}
}

func TestClipboardDirection(t *testing.T) {
	tests := []struct {
		rule  policy.ClipboardRule
		copy  bool
		paste bool
	}{
		{policy.ClipboardReadOnly, false, true},
		{policy.ClipboardWriteOnly, true, false},
		{policy.ClipboardBidirectional, true, true},
		{policy.ClipboardBlocked, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.rule), func(t *testing.T) {
			p := testutil.NewPermissivePolicy("p1")
			p.ClipboardPolicy = tt.rule
			f := newFixture(t, p)

			assert.Equal(t, tt.copy, f.evaluate(t, &dlp.TransferRequest{Action: dlp.ActionClipboardCopy}).Allowed)
			assert.Equal(t, tt.paste, f.evaluate(t, &dlp.TransferRequest{Action: dlp.ActionClipboardPaste}).Allowed)
		})
	}
}

func TestApprovalRequiredQuarantines(t *testing.T) {
	p := testutil.NewPermissivePolicy("p1")
	p.FileDownloadPolicy = policy.FileApprovalRequired
	p.FileUploadPolicy = policy.FileLoggedOnly
	f := newFixture(t, p)

	d := f.evaluate(t, &dlp.TransferRequest{Action: dlp.ActionFileDownload, FileName: "x.pdf"})
	assert.False(t, d.Allowed)
	assert.True(t, d.RequiresApproval)
	assert.Equal(t, audit.DecisionQuarantined, d.Action)

	d = f.evaluate(t, &dlp.TransferRequest{Action: dlp.ActionFileUpload, FileName: "x.pdf"})
	assert.True(t, d.Allowed)
	assert.Equal(t, audit.DecisionLogged, d.Action)
}

func TestFileShapeConstraints(t *testing.T) {
	p := testutil.NewPermissivePolicy("p1")
	p.FileRules = policy.FileConstraints{
		MaxFileSize:       1024,
		AllowedExtensions: []string{".pdf", ".png"},
		BlockedExtensions: []string{".exe"},
		AllowedMimeTypes:  []string{"application/pdf", "image/*"},
	}
	p.ApplyDefaults()
	f := newFixture(t, p)

	tests := []struct {
		name   string
		file   string
		mime   string
		size   int64
		reason string
	}{
		{"at limit", "a.pdf", "application/pdf", 1024, dlp.ReasonAllowed},
		{"one over limit", "a.pdf", "application/pdf", 1025, dlp.ReasonFileSizeExceeded},
		{"blocked extension", "a.exe", "application/pdf", 10, dlp.ReasonFileTypeBlocked},
		{"not allowed extension", "a.txt", "text/plain", 10, dlp.ReasonFileTypeBlocked},
		{"wildcard mime", "a.png", "image/png", 10, dlp.ReasonAllowed},
		{"mime with params", "a.pdf", "application/pdf; name=a.pdf", 10, dlp.ReasonAllowed},
		{"wrong mime", "a.pdf", "text/html", 10, dlp.ReasonMIMETypeBlocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := f.evaluate(t, &dlp.TransferRequest{
				Action:   dlp.ActionFileDownload,
				FileName: tt.file,
				MimeType: tt.mime,
				FileSize: tt.size,
			})
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestClipboardSizeLimit(t *testing.T) {
	p := testutil.NewPermissivePolicy("p1")
	p.MaxClipboardBytes = 4
	f := newFixture(t, p)

	assert.True(t, f.evaluate(t, &dlp.TransferRequest{Action: dlp.ActionClipboardCopy, Content: []byte("1234")}).Allowed)

	d := f.evaluate(t, &dlp.TransferRequest{Action: dlp.ActionClipboardCopy, Content: []byte("12345")})
	assert.Equal(t, dlp.ReasonClipboardSizeExceeded, d.Reason)
}

func TestPrintAndUSBRules(t *testing.T) {
	p := testutil.NewPermissivePolicy("p1")
	p.PrintPolicy = policy.PrintPDFOnly
	p.USBPolicy = policy.USBWhitelistOnly
	p.USBWhitelist = []string{"046d:c52b"}
	f := newFixture(t, p)

	printJob := func(md *dlp.Metadata) *dlp.Decision {
		req := &dlp.TransferRequest{Action: dlp.ActionPrint}
		req.ApplyMetadata(md)

		return f.evaluate(t, req)
	}

	assert.True(t, printJob(&dlp.Metadata{Destination: "pdf"}).Allowed)
	assert.Equal(t, dlp.ReasonPrintDestinationBlocked, printJob(&dlp.Metadata{Destination: "NETWORK"}).Reason)
	assert.Equal(t, dlp.ReasonPrintDestinationBlocked, printJob(nil).Reason)

	usb := func(dev *dlp.USBDevice) *dlp.Decision {
		return f.evaluate(t, &dlp.TransferRequest{Action: dlp.ActionUSBAccess, USB: dev})
	}

	assert.True(t, usb(&dlp.USBDevice{Class: "03", VendorID: "046D", ProductID: "C52B"}).Allowed)
	assert.Equal(t, dlp.ReasonUSBDeviceNotWhitelisted, usb(&dlp.USBDevice{VendorID: "dead", ProductID: "beef"}).Reason)

	p.USBPolicy = policy.USBStorageBlocked
	f = newFixture(t, p)

	assert.Equal(t, dlp.ReasonUSBStorageBlocked, usb(&dlp.USBDevice{Class: "08"}).Reason)
	assert.Equal(t, dlp.ReasonUSBStorageBlocked, usb(nil).Reason)
	assert.True(t, usb(&dlp.USBDevice{Class: "HID"}).Allowed)
}

func TestMalwareUploadIsBlocked(t *testing.T) {
	p := testutil.NewPermissivePolicy("p1")
	p.Scanning.MalwareScan = true
	f := newFixture(t, p)

	eicar := strings.Join([]string{`X5O!P%@AP[4\PZX54(P^)7CC)7}$`, `EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`}, "")

	d := f.evaluate(t, &dlp.TransferRequest{Action: dlp.ActionFileUpload, FileName: "a.txt", Content: []byte(eicar)})
	assert.False(t, d.Allowed)
	assert.Equal(t, dlp.ReasonMalwareDetected, d.Reason)
	assert.NotEmpty(t, d.ThreatName)

	// Downloads are not malware-scanned.
	d = f.evaluate(t, &dlp.TransferRequest{Action: dlp.ActionFileDownload, FileName: "a.txt", Content: []byte(eicar)})
	assert.True(t, d.Allowed)
}

func TestScanTimeoutModes(t *testing.T) {
	p := testutil.NewPermissivePolicy("p1")
	p.Scanning.SensitiveDataScan = true
	p.Scanning.MalwareScan = true
	f := newFixture(t, p)

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	eval := func(req *dlp.TransferRequest) *dlp.Decision {
		req.SessionID = "s1"

		d, err := f.eval.EvaluateTransfer(expired, req)
		require.NoError(t, err)

		return d
	}

	// Sensitive scans fail closed by default.
	d := eval(&dlp.TransferRequest{Action: dlp.ActionClipboardCopy, Content: []byte("x")})
	assert.Equal(t, dlp.ReasonScanTimeout, d.Reason)

	// Executables always fail closed on malware timeout.
	d = eval(&dlp.TransferRequest{Action: dlp.ActionFileUpload, FileName: "setup.exe", Content: []byte("x")})
	assert.Equal(t, dlp.ReasonScanTimeout, d.Reason)

	// Low-risk files follow the fail-open default.
	d = eval(&dlp.TransferRequest{Action: dlp.ActionFileUpload, FileName: "notes.txt", Content: []byte("x")})
	assert.True(t, d.Allowed)
	assert.True(t, d.ScanSkipped)
}

func TestOversizedContent(t *testing.T) {
	p := testutil.NewPermissivePolicy("p1")
	p.Scanning.SensitiveDataScan = true
	f := newFixture(t, p)

	big := bytes.Repeat([]byte("a"), 65<<10)

	d := f.evaluate(t, &dlp.TransferRequest{Action: dlp.ActionFileDownload, FileName: "big.txt", Content: big})
	assert.Equal(t, dlp.ReasonContentNotScanned, d.Reason)

	p.Scanning.AllowUnscannedContent = true
	f = newFixture(t, p)

	d = f.evaluate(t, &dlp.TransferRequest{Action: dlp.ActionFileDownload, FileName: "big.txt", Content: big})
	assert.True(t, d.Allowed)
	assert.True(t, d.ScanSkipped)
}

func TestKilledSessionIsDenied(t *testing.T) {
	f := newFixture(t, testutil.NewPermissivePolicy("p1"))
	f.kills["s1"] = true

	d := f.evaluate(t, &dlp.TransferRequest{Action: dlp.ActionClipboardPaste})
	assert.False(t, d.Allowed)
	assert.Equal(t, dlp.ReasonSessionTerminated, d.Reason)
}

func TestMalformedRequests(t *testing.T) {
	f := newFixture(t, testutil.NewPermissivePolicy("p1"))
	ctx := context.Background()

	_, err := f.eval.EvaluateTransfer(ctx, &dlp.TransferRequest{SessionID: "s1", Action: "screen_share"})
	assert.True(t, errors.Is(err, apierrors.ErrUnsupportedAction))

	_, err = f.eval.EvaluateTransfer(ctx, &dlp.TransferRequest{Action: dlp.ActionPrint})
	assert.True(t, errors.Is(err, apierrors.ErrValidation))

	_, err = dlp.ParseAction("USB_ACCESS")
	assert.NoError(t, err)
}
