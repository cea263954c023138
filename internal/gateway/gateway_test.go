package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/podshield/internal/audit"
	"github.com/piwi3910/podshield/internal/auth"
	"github.com/piwi3910/podshield/internal/dlp"
	"github.com/piwi3910/podshield/internal/events"
	"github.com/piwi3910/podshield/internal/policy"
	"github.com/piwi3910/podshield/internal/session"
	"github.com/piwi3910/podshield/internal/testutil"
	"github.com/piwi3910/podshield/internal/testutil/mocks"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

type fakePolicies struct {
	byID map[string]*policy.SecurityPolicy
	dir  *mocks.MockSessionDirectory
}

func (f *fakePolicies) Resolve(ctx context.Context, sessionID string) (*policy.SecurityPolicy, error) {
	sess, err := f.dir.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	p, ok := f.byID[sess.PolicyID]
	if !ok {
		return nil, policy.ErrNoPolicy
	}

	return p, nil
}

// fakeEvaluator blocks card numbers and allows everything else. When gate
// is set each evaluation waits for it after signalling started.
type fakeEvaluator struct {
	gate     chan struct{}
	started  chan struct{}
	requests []*dlp.TransferRequest
	finished int
	mu       sync.Mutex
}

func (f *fakeEvaluator) EvaluateTransfer(ctx context.Context, req *dlp.TransferRequest) (*dlp.Decision, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	gate, started := f.gate, f.started
	f.mu.Unlock()

	if gate != nil {
		started <- struct{}{}
		<-gate
	}

	defer func() {
		f.mu.Lock()
		f.finished++
		f.mu.Unlock()
	}()

	if strings.Contains(string(req.Content), "4111") {
		return &dlp.Decision{
			Action:             audit.DecisionBlocked,
			Reason:             dlp.ReasonSensitiveDataBlocked,
			Message:            dlp.Message(dlp.ReasonSensitiveDataBlocked),
			SensitiveDataTypes: []string{"FINANCIAL"},
		}, nil
	}

	return &dlp.Decision{Action: audit.DecisionAllowed, Reason: dlp.ReasonAllowed, Allowed: true}, nil
}

func (f *fakeEvaluator) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.requests), f.finished
}

type fakeKills struct {
	killed map[string]bool
	mu     sync.Mutex
}

func (f *fakeKills) Killed(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.killed[id]
}

type fakeAudit struct {
	events []*audit.AuditEvent
	mu     sync.Mutex
}

func (f *fakeAudit) Log(e *audit.AuditEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events = append(f.events, e)
}

func (f *fakeAudit) ofType(t audit.EventType) []*audit.AuditEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*audit.AuditEvent

	for _, e := range f.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}

	return out
}

type harness struct {
	gw       *Gateway
	srv      *httptest.Server
	auth     *auth.Service
	dir      *mocks.MockSessionDirectory
	bus      *mocks.MockBus
	eval     *fakeEvaluator
	policies *fakePolicies
	kills    *fakeKills
	audit    *fakeAudit
	liveness *MemoryLiveness
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	authSvc, err := auth.NewService(auth.Config{JWTSecret: strings.Repeat("s", 32)})
	require.NoError(t, err)

	liveness, err := NewMemoryLiveness(time.Minute)
	require.NoError(t, err)
	t.Cleanup(liveness.Close)

	h := &harness{
		auth:     authSvc,
		dir:      mocks.NewMockSessionDirectory(),
		bus:      mocks.NewMockBus(),
		eval:     &fakeEvaluator{},
		kills:    &fakeKills{killed: map[string]bool{}},
		audit:    &fakeAudit{},
		liveness: liveness,
	}

	p1 := testutil.NewPermissivePolicy("p1")
	locked := testutil.NewPermissivePolicy("locked")
	locked.ScreenCaptureBlocked = true
	locked.KeystrokeLogging = true

	h.policies = &fakePolicies{dir: h.dir, byID: map[string]*policy.SecurityPolicy{"p1": p1, "locked": locked}}

	h.dir.Put(testutil.NewTestSession("s1", "p1"))
	h.dir.Put(testutil.NewTestSession("s-locked", "locked"))
	h.dir.Put(testutil.NewTestSession("s-nopolicy", ""))

	gw, err := New(Deps{
		Auth:      authSvc,
		Sessions:  h.dir,
		Policies:  h.policies,
		Evaluator: h.eval,
		Kills:     h.kills,
		Liveness:  liveness,
		Audit:     h.audit,
		Bus:       h.bus,
	}, Config{NodeID: "node-1"})
	require.NoError(t, err)
	require.NoError(t, gw.Start())

	r := chi.NewRouter()
	gw.Mount(r)

	h.gw = gw
	h.srv = httptest.NewServer(r)

	t.Cleanup(h.srv.Close)
	t.Cleanup(gw.Close)

	return h
}

func (h *harness) token(t *testing.T, userID string) string {
	t.Helper()

	tok, err := h.auth.IssueToken(userID, testutil.DefaultTestTenant, auth.RoleContractor, h.auth.SessionAudience())
	require.NoError(t, err)

	return tok
}

func (h *harness) dialAs(sessionID, token string, subprotocols ...string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/sessions/" + sessionID

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	d := websocket.Dialer{Subprotocols: subprotocols, HandshakeTimeout: 5 * time.Second}

	return d.Dial(url, header)
}

func (h *harness) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()

	ws, _, err := h.dialAs(sessionID, h.token(t, testutil.DefaultTestUser))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	return ws
}

type received struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data"`
}

func readMessage(t *testing.T, ws *websocket.Conn) received {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))

	var msg received
	require.NoError(t, ws.ReadJSON(&msg))

	return msg
}

// readUntil skips messages until one of type typ arrives.
func readUntil(t *testing.T, ws *websocket.Conn, typ MessageType) received {
	t.Helper()

	for {
		msg := readMessage(t, ws)
		if msg.Type == typ {
			return msg
		}
	}
}

func send(t *testing.T, ws *websocket.Conn, typ MessageType, requestID string, data any) {
	t.Helper()

	require.NoError(t, ws.WriteJSON(map[string]any{"type": typ, "requestId": requestID, "data": data}))
}

func TestConnectSendsInitAndAnswersPolicyCheck(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "s1")

	init := readMessage(t, ws)
	require.Equal(t, TypeInit, init.Type)

	var data struct {
		SessionID string `json:"sessionId"`
		Policy    struct {
			ID string `json:"id"`
		} `json:"policy"`
	}
	require.NoError(t, json.Unmarshal(init.Data, &data))
	assert.Equal(t, "s1", data.SessionID)
	assert.Equal(t, "p1", data.Policy.ID)

	send(t, ws, TypePolicyCheck, "r1", map[string]any{"action": "clipboard_copy", "content": "card 4111111111111111"})

	msg := readUntil(t, ws, TypePolicyCheckResult)
	assert.Equal(t, "r1", msg.RequestID)

	var res PolicyCheckResult
	require.NoError(t, json.Unmarshal(msg.Data, &res))
	assert.False(t, res.Allowed)
	assert.Equal(t, "BLOCKED", res.Action)
	assert.Equal(t, dlp.ReasonSensitiveDataBlocked, res.Reason)
	assert.True(t, res.SensitiveDataDetected)
	assert.Equal(t, []string{"FINANCIAL"}, res.SensitiveDataTypes)

	send(t, ws, TypePolicyCheck, "r2", map[string]any{
		"action":   "print",
		"metadata": map[string]any{"destination": "pdf", "printer": "Save as PDF"},
	})

	msg = readUntil(t, ws, TypePolicyCheckResult)
	assert.Equal(t, "r2", msg.RequestID)
	require.NoError(t, json.Unmarshal(msg.Data, &res))
	assert.True(t, res.Allowed)

	h.eval.mu.Lock()
	last := h.eval.requests[len(h.eval.requests)-1]
	h.eval.mu.Unlock()

	assert.Equal(t, "s1", last.SessionID)
	require.NotNil(t, last.Print)
	assert.Equal(t, dlp.PrintDestination("PDF"), last.Print.Destination)

	assert.Len(t, h.audit.ofType(audit.EventConnected), 1)
}

func TestPolicyCheckCarriesBinaryContent(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "s1")
	require.Equal(t, TypeInit, readMessage(t, ws).Type)

	payload := append([]byte{0xff, 0xfe, 0x00, 0x89}, []byte("4111111111111111")...)

	send(t, ws, TypePolicyCheck, "b1", map[string]any{
		"action":        "file_download",
		"content":       "ignored text",
		"contentBase64": payload,
		"fileName":      "dump.bin",
	})

	msg := readUntil(t, ws, TypePolicyCheckResult)
	assert.Equal(t, "b1", msg.RequestID)

	var res PolicyCheckResult
	require.NoError(t, json.Unmarshal(msg.Data, &res))
	assert.False(t, res.Allowed)

	h.eval.mu.Lock()
	last := h.eval.requests[len(h.eval.requests)-1]
	h.eval.mu.Unlock()

	assert.Equal(t, payload, last.Content)
	assert.Equal(t, "dump.bin", last.FileName)
}

func TestInvalidMessagesGetErrorReplies(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "s1")
	readUntil(t, ws, TypeInit)

	send(t, ws, TypePolicyCheck, "bad-action", map[string]any{"action": "teleport"})

	msg := readUntil(t, ws, TypeError)
	assert.Equal(t, "bad-action", msg.RequestID)

	send(t, ws, "dance", "unknown", nil)

	msg = readUntil(t, ws, TypeError)
	assert.Equal(t, "unknown", msg.RequestID)
	assert.Contains(t, string(msg.Data), "dance")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))

	msg = readUntil(t, ws, TypeError)
	assert.Contains(t, string(msg.Data), "malformed")

	// The channel survives bad requests.
	send(t, ws, TypeHeartbeat, "hb", map[string]any{"clientTime": time.Now().UnixMilli()})
	assert.Equal(t, "hb", readUntil(t, ws, TypeHeartbeatAck).RequestID)
}

func TestHeartbeatTracksLiveness(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "s1")
	readUntil(t, ws, TypeInit)

	sent := time.Now().Add(-50 * time.Millisecond).UnixMilli()
	send(t, ws, TypeHeartbeat, "hb1", map[string]any{"clientTime": sent, "metrics": map[string]float64{"cpu": 0.25}})

	msg := readUntil(t, ws, TypeHeartbeatAck)
	assert.Equal(t, "hb1", msg.RequestID)

	var ack HeartbeatAck
	require.NoError(t, json.Unmarshal(msg.Data, &ack))
	assert.GreaterOrEqual(t, ack.Latency, int64(50))
	assert.GreaterOrEqual(t, ack.ServerTime, sent)

	l, err := h.liveness.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, sent, l.ClientTime)
	assert.Equal(t, "node-1", l.NodeID)
	assert.InDelta(t, 0.25, l.Metrics["cpu"], 1e-9)

	require.NoError(t, ws.Close())

	assert.Eventually(t, func() bool {
		_, err := h.liveness.Get(context.Background(), "s1")
		return errors.Is(err, apierrors.ErrNotFound) && h.gw.Registry().Len() == 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return len(h.audit.ofType(audit.EventDisconnected)) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestScreenCaptureFollowsPolicy(t *testing.T) {
	h := newHarness(t)

	ws := h.dial(t, "s-locked")
	readUntil(t, ws, TypeInit)

	send(t, ws, TypeScreenCapture, "sc1", map[string]any{"captureType": "screenshot", "detectionMethod": "KEYBOARD_HOOK", "activeApplication": "Snipping Tool"})

	// The blocked attempt raises an alert that is relayed back to the session.
	alert := readUntil(t, ws, TypeAlert)
	assert.Contains(t, string(alert.Data), "SCREEN_CAPTURE")

	msg := readUntil(t, ws, TypeScreenCaptureResult)
	assert.Equal(t, "sc1", msg.RequestID)

	var res ScreenCaptureResult
	require.NoError(t, json.Unmarshal(msg.Data, &res))
	assert.True(t, res.Blocked)
	assert.True(t, res.Logged)
	assert.Equal(t, CaptureScreenshot, res.CaptureType)

	captures := h.audit.ofType(audit.EventScreenCapture)
	require.Len(t, captures, 1)
	assert.Equal(t, audit.ResultBlocked, captures[0].Result)
	assert.Equal(t, "Snipping Tool", captures[0].Extra["application"])

	other := h.dial(t, "s1")
	readUntil(t, other, TypeInit)

	send(t, other, TypeScreenCapture, "sc2", map[string]any{"captureType": "SCREEN_RECORDING"})

	msg = readUntil(t, other, TypeScreenCaptureResult)
	require.NoError(t, json.Unmarshal(msg.Data, &res))
	assert.False(t, res.Blocked)
	assert.True(t, res.Logged)
}

func TestActivityAndKeystrokesAreAudited(t *testing.T) {
	h := newHarness(t)

	ws := h.dial(t, "s-locked")
	readUntil(t, ws, TypeInit)

	send(t, ws, TypeActivity, "", map[string]any{"activityType": "idle", "seconds": 120, "nested": map[string]any{"x": 1}})
	send(t, ws, TypeActivity, "", map[string]any{"activityType": "keystrokes", "count": 42})

	// Activity has no reply; a heartbeat round trip orders the check after
	// both messages were handled.
	send(t, ws, TypeHeartbeat, "sync", map[string]any{})
	readUntil(t, ws, TypeHeartbeatAck)

	activity := h.audit.ofType(audit.EventActivity)
	require.Len(t, activity, 1)
	assert.Equal(t, map[string]string{"seconds": "120"}, activity[0].Extra)
	assert.Len(t, h.audit.ofType(audit.EventKeystrokes), 1)

	// s1's policy does not enable keystroke logging.
	plain := h.dial(t, "s1")
	readUntil(t, plain, TypeInit)

	send(t, plain, TypeActivity, "", map[string]any{"activityType": "keystrokes", "count": 3})
	send(t, plain, TypeHeartbeat, "sync", map[string]any{})
	readUntil(t, plain, TypeHeartbeatAck)

	assert.Len(t, h.audit.ofType(audit.EventKeystrokes), 1)
}

func TestNoPolicySessionIsToldOnConnect(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, "s-nopolicy")

	msg := readMessage(t, ws)
	require.Equal(t, TypeError, msg.Type)
	assert.Contains(t, string(msg.Data), "No security policy")

	init := readMessage(t, ws)
	require.Equal(t, TypeInit, init.Type)
	assert.Contains(t, string(init.Data), `"policy":null`)
}

func TestConnectRejectsUnauthorizedCallers(t *testing.T) {
	h := newHarness(t)

	ended := testutil.NewTestSession("s-ended", "p1")
	ended.State = session.StateEnded
	h.dir.Put(ended)
	h.dir.Put(testutil.NewTestSession("s-killed", "p1"))
	h.kills.killed["s-killed"] = true

	operator, err := h.auth.IssueToken(testutil.DefaultTestUser, testutil.DefaultTestTenant, auth.RoleAdmin, h.auth.OperatorAudience())
	require.NoError(t, err)

	tests := []struct {
		name    string
		session string
		token   string
		status  int
	}{
		{"no token", "s1", "", http.StatusForbidden},
		{"operator audience", "s1", operator, http.StatusForbidden},
		{"other user", "s1", h.token(t, "user-2"), http.StatusForbidden},
		{"ended session", "s-ended", h.token(t, testutil.DefaultTestUser), http.StatusForbidden},
		{"killed session", "s-killed", h.token(t, testutil.DefaultTestUser), http.StatusForbidden},
		{"unknown session", "nope", h.token(t, testutil.DefaultTestUser), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws, resp, err := h.dialAs(tt.session, tt.token)
			if ws != nil {
				_ = ws.Close()
			}

			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
			_ = resp.Body.Close()
		})
	}

	assert.Zero(t, h.gw.Registry().Len())
}

func TestPolicyUpdatesReachBoundSessions(t *testing.T) {
	h := newHarness(t)

	ws := h.dial(t, "s1")
	readUntil(t, ws, TypeInit)

	other := h.dial(t, "s-locked")
	readUntil(t, other, TypeInit)

	err := events.Publish(context.Background(), h.bus, events.TopicPolicyUpdates, testutil.DefaultTestTenant, "",
		events.PolicyUpdated{PolicyID: "p1", Changes: []string{"clipboardPolicy"}, Version: 2})
	require.NoError(t, err)

	msg := readUntil(t, ws, TypePolicyUpdate)

	var upd PolicyUpdateData
	require.NoError(t, json.Unmarshal(msg.Data, &upd))
	assert.Equal(t, "p1", upd.PolicyID)
	assert.Equal(t, []string{"clipboardPolicy"}, upd.Changes)

	// s-locked is bound to another policy and only sees its heartbeat ack.
	send(t, other, TypeHeartbeat, "hb", map[string]any{})
	assert.Equal(t, TypeHeartbeatAck, readMessage(t, other).Type)
}

func TestKillClosesChannel(t *testing.T) {
	h := newHarness(t)

	ws := h.dial(t, "s1")
	readUntil(t, ws, TypeInit)

	err := events.Publish(context.Background(), h.bus, events.TopicSessionKilled, testutil.DefaultTestTenant, "s1",
		events.SessionKilled{KillEventID: "k1", SessionID: "s1", Reason: "confirmed leak"})
	require.NoError(t, err)

	msg := readUntil(t, ws, TypeAlert)
	assert.Contains(t, string(msg.Data), "SESSION_TERMINATED")

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)

	assert.Eventually(t, func() bool { return h.gw.Registry().Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestDisconnectDuringEvaluationDropsReply(t *testing.T) {
	h := newHarness(t)
	h.eval.gate = make(chan struct{})
	h.eval.started = make(chan struct{}, 1)

	ws := h.dial(t, "s1")
	readUntil(t, ws, TypeInit)

	send(t, ws, TypePolicyCheck, "slow", map[string]any{"action": "file_upload", "fileName": "a.txt", "content": "hello"})

	select {
	case <-h.eval.started:
	case <-time.After(5 * time.Second):
		t.Fatal("evaluation did not start")
	}

	require.NoError(t, ws.Close())

	require.Eventually(t, func() bool { return h.gw.Registry().Len() == 0 }, 5*time.Second, 10*time.Millisecond)

	close(h.eval.gate)
	h.gw.Wait()

	requests, finished := h.eval.counts()
	assert.Equal(t, 1, requests)
	assert.Equal(t, 1, finished, "evaluation completes after the client left")

	// The registry keeps working for new connections.
	again := h.dial(t, "s1")
	readUntil(t, again, TypeInit)
	assert.Equal(t, 1, h.gw.Registry().Len())
}

func TestNewConnectionReplacesOld(t *testing.T) {
	h := newHarness(t)

	first := h.dial(t, "s1")
	readUntil(t, first, TypeInit)

	second := h.dial(t, "s1")
	readUntil(t, second, TypeInit)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(5*time.Second)))

	_, _, err := first.ReadMessage()
	require.Error(t, err)

	send(t, second, TypeHeartbeat, "hb", map[string]any{})
	assert.Equal(t, "hb", readUntil(t, second, TypeHeartbeatAck).RequestID)
	assert.Equal(t, 1, h.gw.Registry().Len())
}

func TestCBORSubprotocol(t *testing.T) {
	h := newHarness(t)

	ws, _, err := h.dialAs("s1", h.token(t, testutil.DefaultTestUser), SubprotocolCBOR)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	assert.Equal(t, SubprotocolCBOR, ws.Subprotocol())

	type frame struct {
		Type      MessageType     `cbor:"type"`
		RequestID string          `cbor:"requestId"`
		Data      cbor.RawMessage `cbor:"data"`
	}

	read := func() frame {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))

		kind, data, err := ws.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, kind)

		var f frame
		require.NoError(t, cbor.Unmarshal(data, &f))

		return f
	}

	assert.Equal(t, TypeInit, read().Type)

	out, err := cbor.Marshal(map[string]any{
		"type":      "heartbeat",
		"requestId": "c1",
		"data":      map[string]any{"clientTime": time.Now().UnixMilli()},
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, out))

	ack := read()
	assert.Equal(t, TypeHeartbeatAck, ack.Type)
	assert.Equal(t, "c1", ack.RequestID)

	var body HeartbeatAck
	require.NoError(t, cbor.Unmarshal(ack.Data, &body))
	assert.Positive(t, body.ServerTime)
}

func TestConnSendAfterClose(t *testing.T) {
	c := &Conn{
		codec:     jsonCodec{},
		send:      make(chan []byte, 1),
		done:      make(chan struct{}),
		sessionID: "s1",
	}

	require.NoError(t, c.Send(&Outbound{Type: TypeHeartbeatAck}))

	// The buffer holds one frame; the next send finds it full.
	assert.ErrorIs(t, c.Send(&Outbound{Type: TypeHeartbeatAck}), ErrSlowConsumer)
	assert.True(t, c.Closed())
	assert.ErrorIs(t, c.Send(&Outbound{Type: TypeAlert}), ErrConnClosed)

	c.Close()
}

func TestRegistryKeepsNewerConnection(t *testing.T) {
	r := NewRegistry()

	newConn := func() *Conn {
		return &Conn{codec: jsonCodec{}, send: make(chan []byte, 4), done: make(chan struct{}), sessionID: "s1"}
	}

	old, current := newConn(), newConn()

	assert.Nil(t, r.Register(old))
	assert.Same(t, old, r.Register(current))
	assert.True(t, old.Closed())

	assert.False(t, r.Deregister(old), "stale connection must not evict its replacement")

	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Same(t, current, got)

	require.NoError(t, r.Send("s1", &Outbound{Type: TypeAlert}))
	assert.True(t, r.Deregister(current))
	assert.ErrorIs(t, r.Send("s1", &Outbound{Type: TypeAlert}), ErrNotConnected)
}

func TestClassifierWithoutPolicyBlocks(t *testing.T) {
	v := PolicyClassifier{}.Classify(context.Background(), nil, &ScreenCaptureData{})
	assert.True(t, v.Blocked)
	assert.Equal(t, "NO_POLICY", v.Reason)
}
