// Package gateway implements the real-time enforcement channel: one
// websocket per live session, a registry keyed by session id, a single
// dispatch switch over client messages and relays of bus messages to the
// matching channel.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/piwi3910/podshield/internal/dlp"
	"github.com/piwi3910/podshield/internal/policy"
	"github.com/piwi3910/podshield/internal/watermark"
)

// MessageType names a channel message.
type MessageType string

// Client to server.
const (
	TypePolicyCheck   MessageType = "policy_check"
	TypeScreenCapture MessageType = "screen_capture"
	TypeHeartbeat     MessageType = "heartbeat"
	TypeActivity      MessageType = "activity"
)

// Server to client.
const (
	TypeInit                MessageType = "init"
	TypePolicyCheckResult   MessageType = "policy_check_result"
	TypeScreenCaptureResult MessageType = "screen_capture_result"
	TypeHeartbeatAck        MessageType = "heartbeat_ack"
	TypePolicyUpdate        MessageType = "policy_update"
	TypeAlert               MessageType = "alert"
	TypeWatermarkUpdate     MessageType = "watermark_update"
	TypeError               MessageType = "error"
)

// Sub-protocols offered during the upgrade. Clients that request none get
// JSON.
const (
	SubprotocolJSON = "podshield.v1.json"
	SubprotocolCBOR = "podshield.v1.cbor"
)

// Inbound is a decoded client message. Data stays encoded until the
// handler knows its shape.
type Inbound struct {
	Type      MessageType
	RequestID string
	Data      []byte
}

// Outbound is a server message.
type Outbound struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Data      any         `json:"data,omitempty"`
}

// PolicyCheckData is the body of a policy_check. Content carries text;
// ContentBase64 carries binary payloads (a byte string under CBOR) and wins
// when both are set.
type PolicyCheckData struct {
	Metadata      *dlp.Metadata `json:"metadata,omitempty"`
	Action        string        `json:"action"`
	Content       string        `json:"content,omitempty"`
	ContentBase64 []byte        `json:"contentBase64,omitempty"`
	FileName      string        `json:"fileName,omitempty"`
	MimeType      string        `json:"mimeType,omitempty"`
	FileSize      int64         `json:"fileSize,omitempty"`
}

// PolicyCheckResult answers a policy_check.
type PolicyCheckResult struct {
	Action                string   `json:"action"`
	Reason                string   `json:"reason"`
	Message               string   `json:"message,omitempty"`
	AttemptID             string   `json:"attemptId,omitempty"`
	SensitiveDataTypes    []string `json:"sensitiveDataTypes,omitempty"`
	Allowed               bool     `json:"allowed"`
	SensitiveDataDetected bool     `json:"sensitiveDataDetected"`
	RequiresApproval      bool     `json:"requiresApproval,omitempty"`
}

// ScreenCaptureData reports a capture attempt seen by the client.
type ScreenCaptureData struct {
	CaptureType       string `json:"captureType"`
	DetectionMethod   string `json:"detectionMethod"`
	ProcessInfo       string `json:"processInfo,omitempty"`
	ActiveApplication string `json:"activeApplication,omitempty"`
	ActiveWindow      string `json:"activeWindow,omitempty"`
}

// ScreenCaptureResult answers a screen_capture.
type ScreenCaptureResult struct {
	CaptureType string `json:"captureType"`
	Reason      string `json:"reason,omitempty"`
	Blocked     bool   `json:"blocked"`
	Logged      bool   `json:"logged"`
}

// HeartbeatData carries the client clock (unix milliseconds) and optional
// resource metrics.
type HeartbeatData struct {
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	ClientTime int64              `json:"clientTime"`
}

// HeartbeatAck answers a heartbeat. Latency is in milliseconds.
type HeartbeatAck struct {
	ServerTime int64 `json:"serverTime"`
	Latency    int64 `json:"latency"`
}

// ActivityData is a free-form client activity report.
type ActivityData map[string]any

// InitData is sent once the channel is open.
type InitData struct {
	Policy    *policy.SecurityPolicy `json:"policy"`
	Watermark *watermark.Overlay     `json:"watermark,omitempty"`
	SessionID string                 `json:"sessionId"`
}

// PolicyUpdateData announces a policy change.
type PolicyUpdateData struct {
	PolicyID string   `json:"policyId"`
	Changes  []string `json:"changes"`
	Deleted  bool     `json:"deleted,omitempty"`
}

// AlertData is a security alert pushed to the client.
type AlertData struct {
	AlertType string `json:"alertType"`
	Message   string `json:"message"`
	Severity  string `json:"severity"`
}

// ErrorData reports a request that could not be handled.
type ErrorData struct {
	Message string `json:"message"`
}

// ErrMalformedMessage is returned for frames that cannot be decoded.
var ErrMalformedMessage = errors.New("gateway: malformed message")

// codec turns frames into messages for one sub-protocol.
type codec interface {
	decode(frame []byte) (*Inbound, error)
	decodeData(data []byte, v any) error
	encode(out *Outbound) ([]byte, error)
	frameType() int
}

type jsonFrame struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type jsonCodec struct{}

func (jsonCodec) decode(frame []byte) (*Inbound, error) {
	var f jsonFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	return &Inbound{Type: f.Type, RequestID: f.RequestID, Data: f.Data}, nil
}

func (jsonCodec) decodeData(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	return nil
}

func (jsonCodec) encode(out *Outbound) ([]byte, error) {
	return json.Marshal(out)
}

func (jsonCodec) frameType() int { return websocket.TextMessage }

type cborFrame struct {
	Type      MessageType     `cbor:"type"`
	RequestID string          `cbor:"requestId,omitempty"`
	Data      cbor.RawMessage `cbor:"data,omitempty"`
}

type cborCodec struct {
	enc cbor.EncMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("gateway: cbor encoder: %v", err))
	}

	return cborCodec{enc: enc}
}

func (cborCodec) decode(frame []byte) (*Inbound, error) {
	var f cborFrame
	if err := cbor.Unmarshal(frame, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	return &Inbound{Type: f.Type, RequestID: f.RequestID, Data: f.Data}, nil
}

func (cborCodec) decodeData(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}

	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	return nil
}

func (c cborCodec) encode(out *Outbound) ([]byte, error) {
	return c.enc.Marshal(out)
}

func (cborCodec) frameType() int { return websocket.BinaryMessage }

func codecFor(subprotocol string) codec {
	if subprotocol == SubprotocolCBOR {
		return newCBORCodec()
	}

	return jsonCodec{}
}
