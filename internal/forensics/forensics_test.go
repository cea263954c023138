package forensics_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/podshield/internal/events"
	"github.com/piwi3910/podshield/internal/forensics"
	"github.com/piwi3910/podshield/internal/killswitch"
	"github.com/piwi3910/podshield/internal/testutil"
	"github.com/piwi3910/podshield/internal/testutil/mocks"
	"github.com/piwi3910/podshield/internal/watermark"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

type fakeRemote struct {
	objects map[string][]byte
	mu      sync.Mutex
}

func (f *fakeRemote) PutObject(_ context.Context, key, _ string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.objects[key] = append([]byte(nil), data...)

	return "s3://evidence/" + key, nil
}

func (f *fakeRemote) GetObject(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[key]
	if !ok {
		return nil, apierrors.NotFound("evidence", key)
	}

	return data, nil
}

type fixture struct {
	inv    *forensics.Investigator
	engine *watermark.Engine
	repo   *forensics.Repository
	wm     *watermark.Service
	kill   *killswitch.Switch
	ctrl   *mocks.MockController
	bus    *mocks.MockBus
	remote *fakeRemote
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := testutil.NewStore(t)
	dir := mocks.NewMockSessionDirectory()
	dir.Put(testutil.NewTestSession("s1", "p1"))
	dir.Put(testutil.NewTestSession("s2", "p1"))

	codec, err := watermark.NewCodec([]byte("forensics-test-master-secret-000"))
	require.NoError(t, err)

	engine := watermark.NewEngine(codec)
	wm := watermark.NewService(watermark.NewRepository(st), engine, dir, watermark.ServiceConfig{})

	f := &fixture{
		engine: engine,
		repo:   forensics.NewRepository(st),
		wm:     wm,
		ctrl:   mocks.NewMockController(),
		bus:    mocks.NewMockBus(),
		remote: &fakeRemote{objects: make(map[string][]byte)},
	}
	f.kill = killswitch.New(st, dir, f.ctrl, f.bus, killswitch.Config{})
	f.inv = forensics.NewInvestigator(engine, wm, f.repo,
		forensics.NewEvidenceArchive(st, f.remote), f.kill, f.bus, forensics.Config{BulkWorkers: 3})

	ctx := context.Background()

	_, err = wm.CreateConfig(ctx, &watermark.Configuration{
		TenantID:  testutil.DefaultTestTenant,
		Name:      "standard",
		IsDefault: true,
		Invisible: watermark.InvisibleConfig{Enabled: true},
	})
	require.NoError(t, err)

	for _, id := range []string{"s1", "s2"} {
		_, err := wm.InitializeInstance(ctx, id, watermark.InitRequest{})
		require.NoError(t, err)
	}

	return f
}

func (f *fixture) leakedImage(t *testing.T, sessionID string) []byte {
	t.Helper()

	data, err := f.wm.Embed(context.Background(), sessionID, testutil.EncodePNG(testutil.NewTexturedImage(416, 256)))
	require.NoError(t, err)

	return data
}

func (f *fixture) detect(t *testing.T, sessionID string) *forensics.Detection {
	t.Helper()

	res, err := f.inv.Detect(context.Background(), f.leakedImage(t, sessionID), forensics.Source{Reporter: "soc"})
	require.NoError(t, err)
	require.True(t, res.Detected)
	require.NotNil(t, res.Detection)

	return res.Detection
}

func TestBulkScanRecordsOnlyWatermarkedAssets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assets := map[string][]byte{
		"/leak-1.png": f.leakedImage(t, "s1"),
		"/leak-2.png": f.leakedImage(t, "s2"),
		"/clean.png":  testutil.EncodePNG(testutil.NewTexturedImage(416, 256)),
		"/notes.txt":  []byte("just some text"),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := assets[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}

		_, _ = w.Write(data)
	}))
	defer srv.Close()

	urls := []string{
		srv.URL + "/leak-1.png",
		srv.URL + "/clean.png",
		srv.URL + "/leak-2.png",
		srv.URL + "/notes.txt",
		srv.URL + "/gone.png",
	}

	results, err := f.inv.BulkScan(ctx, urls, forensics.Source{Reporter: "crawler"})
	require.NoError(t, err)
	require.Len(t, results, 5)

	assert.True(t, results[0].Detected)
	assert.Equal(t, "s1", results[0].SessionID)
	assert.False(t, results[1].Detected)
	assert.Empty(t, results[1].Error)
	assert.True(t, results[2].Detected)
	assert.Equal(t, "s2", results[2].SessionID)
	assert.NotEmpty(t, results[3].Error)
	assert.NotEmpty(t, results[4].Error)

	page, err := f.inv.List(ctx, forensics.Filter{})
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)

	for _, d := range page.Items {
		assert.Equal(t, forensics.StatusPending, d.Status)
		assert.True(t, d.Detected)
		assert.Equal(t, forensics.SourceURL, d.SourceType)
		assert.Equal(t, "crawler", d.Reporter)
		assert.Equal(t, testutil.DefaultTestTenant, d.TenantID)
	}

	var leak1 *forensics.Detection
	for _, d := range page.Items {
		if d.SessionID == "s1" {
			leak1 = d
		}
	}
	require.NotNil(t, leak1)

	updated, err := f.inv.UpdateInvestigation(ctx, leak1.ID, forensics.Update{
		Status: forensics.StatusConfirmedLeak,
		Notes:  "matches contractor upload",
		Author: "reviewer-1",
	})
	require.NoError(t, err)
	assert.Equal(t, forensics.StatusConfirmedLeak, updated.Status)
	assert.NotEmpty(t, updated.KillEventID)

	terminations := f.ctrl.Terminations()
	require.Len(t, terminations, 1)
	assert.Equal(t, "s1", terminations[0].SessionID)
	assert.True(t, f.kill.Killed("s1"))
	assert.False(t, f.kill.Killed("s2"))

	notifications := f.bus.Published(events.TopicTenantNotifications)
	require.Len(t, notifications, 1)

	var note events.TenantNotification
	require.NoError(t, notifications[0].Decode(&note))
	assert.Equal(t, leak1.ID, note.DetectionID)
	assert.Equal(t, testutil.DefaultTestTenant, note.TenantID)
}

func TestBulkScanLimits(t *testing.T) {
	f := newFixture(t)

	_, err := f.inv.BulkScan(context.Background(), nil, forensics.Source{})
	assert.ErrorIs(t, err, apierrors.ErrValidation)

	urls := make([]string, forensics.DefaultConfig().MaxBulkURLs+1)
	for i := range urls {
		urls[i] = "http://127.0.0.1/x.png"
	}

	_, err = f.inv.BulkScan(context.Background(), urls, forensics.Source{})
	assert.ErrorIs(t, err, apierrors.ErrValidation)
}

func TestScanURLRejectsUnsupportedScheme(t *testing.T) {
	f := newFixture(t)

	_, err := f.inv.ScanURL(context.Background(), "file:///etc/passwd", forensics.Source{})
	assert.ErrorIs(t, err, apierrors.ErrValidation)
}

func TestDetectRejectsNonImages(t *testing.T) {
	f := newFixture(t)

	_, err := f.inv.Detect(context.Background(), []byte("not an image"), forensics.Source{})
	assert.ErrorIs(t, err, apierrors.ErrValidation)
}

func TestInvestigationLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.detect(t, "s2")
	assert.Equal(t, forensics.SourceUpload, d.SourceType)

	_, err := f.inv.UpdateInvestigation(ctx, d.ID, forensics.Update{Status: forensics.StatusResolved})
	assert.ErrorIs(t, err, apierrors.ErrConflict)

	d, err = f.inv.UpdateInvestigation(ctx, d.ID, forensics.Update{Status: forensics.StatusInProgress})
	require.NoError(t, err)

	_, err = f.inv.UpdateInvestigation(ctx, d.ID, forensics.Update{Status: forensics.StatusPending})
	assert.ErrorIs(t, err, apierrors.ErrConflict)

	d, err = f.inv.UpdateInvestigation(ctx, d.ID, forensics.Update{Status: forensics.StatusFalsePositive, Notes: "staged test image"})
	require.NoError(t, err)
	assert.Empty(t, d.KillEventID)

	d, err = f.inv.UpdateInvestigation(ctx, d.ID, forensics.Update{Status: forensics.StatusResolved})
	require.NoError(t, err)
	assert.Equal(t, forensics.StatusFalsePositive, d.Verdict)
	require.NotNil(t, d.ResolvedAt)

	_, err = f.inv.UpdateInvestigation(ctx, d.ID, forensics.Update{Status: forensics.StatusConfirmedLeak})
	assert.ErrorIs(t, err, apierrors.ErrConflict)

	// Resolved detections still take annotations.
	d, err = f.inv.UpdateInvestigation(ctx, d.ID, forensics.Update{
		Notes:    "closing remark",
		Author:   "reviewer-2",
		Evidence: []forensics.Evidence{{Name: "screenshot.png", ContentType: "image/png", Data: []byte("png-bytes")}},
	})
	require.NoError(t, err)
	assert.Equal(t, forensics.StatusResolved, d.Status)
	require.Len(t, d.Notes, 2)
	require.Len(t, d.Evidence, 1)
	assert.Equal(t, "s3://evidence/"+d.ID+"/"+d.Evidence[0].ID, d.Evidence[0].RemoteLocation)

	assert.Empty(t, f.ctrl.Terminations())

	_, err = f.inv.UpdateInvestigation(ctx, "missing", forensics.Update{Status: forensics.StatusInProgress})
	assert.ErrorIs(t, err, apierrors.ErrNotFound)
}

func TestEvidenceArchive(t *testing.T) {
	st := testutil.NewStore(t)
	remote := &fakeRemote{objects: make(map[string][]byte)}
	archive := forensics.NewEvidenceArchive(st, remote)
	ctx := context.Background()

	ref, err := archive.Put(ctx, "d1", forensics.Evidence{Name: "log.txt", ContentType: "text/plain", Data: []byte("evidence")})
	require.NoError(t, err)
	assert.Equal(t, int64(8), ref.Size)
	assert.Len(t, ref.SHA256, 64)

	data, contentType, err := archive.Get(ctx, "d1", ref.ID)
	require.NoError(t, err)
	assert.Equal(t, "evidence", string(data))
	assert.Equal(t, "text/plain", contentType)

	_, err = archive.Put(ctx, "d1", forensics.Evidence{Name: "empty"})
	assert.ErrorIs(t, err, apierrors.ErrValidation)

	_, _, err = forensics.NewEvidenceArchive(st, nil).Get(ctx, "d1", "missing")
	assert.ErrorIs(t, err, apierrors.ErrNotFound)
}

func TestListFiltersAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.detect(t, "s1")
	f.detect(t, "s1")
	f.detect(t, "s2")

	page, err := f.inv.List(ctx, forensics.Filter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = f.inv.List(ctx, forensics.Filter{SourceType: forensics.SourceURL})
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	page, err = f.inv.List(ctx, forensics.Filter{Limit: 2, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 1)

	_, err = f.inv.UpdateInvestigation(ctx, first.ID, forensics.Update{Status: forensics.StatusConfirmedLeak})
	require.NoError(t, err)

	_, err = f.inv.UpdateInvestigation(ctx, first.ID, forensics.Update{Status: forensics.StatusResolved})
	require.NoError(t, err)

	stats, err := f.inv.Stats(ctx, testutil.DefaultTestTenant)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Open)
	assert.Equal(t, 1, stats.ConfirmedLeaks)
	assert.Equal(t, 2, stats.SessionsImplicated)
	assert.Equal(t, 2, stats.ByStatus[forensics.StatusPending])
	assert.Equal(t, 3, stats.BySourceType[forensics.SourceUpload])
	assert.Greater(t, stats.AverageConfidence, 0.9)
}

func TestStatusHelpers(t *testing.T) {
	s, err := forensics.ParseStatus(" confirmed_leak ")
	require.NoError(t, err)
	assert.Equal(t, forensics.StatusConfirmedLeak, s)
	assert.True(t, s.Verdict())

	_, err = forensics.ParseStatus("closed")
	assert.ErrorIs(t, err, apierrors.ErrValidation)

	assert.True(t, forensics.CanTransition(forensics.StatusPending, forensics.StatusInconclusive))
	assert.False(t, forensics.CanTransition(forensics.StatusResolved, forensics.StatusPending))
}

// blockingKill holds Activate until released.
type blockingKill struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (k *blockingKill) Activate(ctx context.Context, req killswitch.Request) (*killswitch.KillEvent, bool, error) {
	k.once.Do(func() { close(k.started) })

	select {
	case <-k.release:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}

	return &killswitch.KillEvent{ID: "kill-" + req.SessionID, SessionID: req.SessionID}, true, nil
}

func TestSlowKillDoesNotBlockOtherDetections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	kill := &blockingKill{started: make(chan struct{}), release: make(chan struct{})}
	inv := forensics.NewInvestigator(f.engine, f.wm, f.repo, nil, kill, f.bus, forensics.Config{})

	leaked := f.detect(t, "s1")
	other := f.detect(t, "s2")

	_, err := inv.UpdateInvestigation(ctx, leaked.ID, forensics.Update{Status: forensics.StatusInProgress})
	require.NoError(t, err)

	type result struct {
		d   *forensics.Detection
		err error
	}

	confirmed := make(chan result, 1)

	go func() {
		d, err := inv.UpdateInvestigation(ctx, leaked.ID, forensics.Update{Status: forensics.StatusConfirmedLeak})
		confirmed <- result{d, err}
	}()

	<-kill.started

	annotated := make(chan result, 1)

	go func() {
		d, err := inv.UpdateInvestigation(ctx, other.ID, forensics.Update{Notes: "matches a known paste site", Author: "reviewer-1"})
		annotated <- result{d, err}
	}()

	select {
	case res := <-annotated:
		require.NoError(t, res.err)
		require.Len(t, res.d.Notes, 1)
		assert.Equal(t, forensics.StatusPending, res.d.Status)
	case <-time.After(5 * time.Second):
		close(kill.release)
		t.Fatal("annotating another detection waited on the kill switch")
	}

	close(kill.release)

	res := <-confirmed
	require.NoError(t, res.err)
	assert.Equal(t, forensics.StatusConfirmedLeak, res.d.Status)
	assert.Equal(t, "kill-s1", res.d.KillEventID)
}
