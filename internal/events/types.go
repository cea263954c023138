package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topic names a stream of envelopes on the shared bus.
type Topic string

const (
	// TopicPolicyUpdates carries PolicyUpdated payloads.
	TopicPolicyUpdates Topic = "policy.updated"
	// TopicSecurityAlerts carries SecurityAlert payloads.
	TopicSecurityAlerts Topic = "security.alert"
	// TopicSessionKilled carries SessionKilled payloads.
	TopicSessionKilled Topic = "session.killed"
	// TopicTenantNotifications carries TenantNotification payloads for the
	// external notification service.
	TopicTenantNotifications Topic = "tenant.notification"
)

// Envelope is the unit published on the bus.
type Envelope struct {
	PublishedAt time.Time       `json:"publishedAt"`
	ID          string          `json:"id"`
	Topic       Topic           `json:"topic"`
	TenantID    string          `json:"tenantId,omitempty"`
	SessionID   string          `json:"sessionId,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload for publishing.
func NewEnvelope(topic Topic, tenantID, sessionID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", topic, err)
	}

	return &Envelope{
		ID:          uuid.New().String(),
		Topic:       topic,
		TenantID:    tenantID,
		SessionID:   sessionID,
		PublishedAt: time.Now().UTC(),
		Payload:     raw,
	}, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Topic, err)
	}

	return nil
}

// PolicyUpdated is published when an administrator changes a policy.
type PolicyUpdated struct {
	PolicyID string   `json:"policyId"`
	TenantID string   `json:"tenantId"`
	Changes  []string `json:"changes"`
	Version  int      `json:"version"`
	Deleted  bool     `json:"deleted,omitempty"`
}

// SecurityAlert is published for blocked or quarantined actions and other
// security-relevant events.
type SecurityAlert struct {
	TenantID  string `json:"tenantId"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
	AlertType string `json:"alertType"`
	Reason    string `json:"reason"`
	Message   string `json:"message"`
	Severity  string `json:"severity"`
	AttemptID string `json:"attemptId,omitempty"`
}

// SessionKilled is published when the kill switch fires.
type SessionKilled struct {
	KillEventID string `json:"killEventId"`
	TenantID    string `json:"tenantId"`
	SessionID   string `json:"sessionId"`
	Reason      string `json:"reason"`
	Trigger     string `json:"trigger"`
	TriggeredBy string `json:"triggeredBy,omitempty"`
	DetectionID string `json:"detectionId,omitempty"`
}

// TenantNotification asks the notification service to inform a tenant.
type TenantNotification struct {
	TenantID    string `json:"tenantId"`
	Kind        string `json:"kind"`
	Subject     string `json:"subject"`
	Message     string `json:"message"`
	SessionID   string `json:"sessionId,omitempty"`
	DetectionID string `json:"detectionId,omitempty"`
}
