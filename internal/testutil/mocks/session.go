// Package mocks provides mock collaborators for testing PodShield components.
package mocks

import (
	"context"
	"sync"

	"github.com/piwi3910/podshield/internal/session"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

// MockSessionDirectory implements session.Directory in memory with error
// injection.
type MockSessionDirectory struct {
	sessions map[string]*session.Session
	getErr   error
	calls    int
	mu       sync.Mutex
}

// NewMockSessionDirectory creates an empty directory.
func NewMockSessionDirectory() *MockSessionDirectory {
	return &MockSessionDirectory{sessions: make(map[string]*session.Session)}
}

// Put stores a session.
func (m *MockSessionDirectory) Put(s *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *s
	m.sessions[s.ID] = &c
}

// SetGetError sets the error to return on GetSession calls.
func (m *MockSessionDirectory) SetGetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getErr = err
}

// Calls returns the number of GetSession calls.
func (m *MockSessionDirectory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls
}

// GetSession implements session.Directory.
func (m *MockSessionDirectory) GetSession(_ context.Context, id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++

	if m.getErr != nil {
		return nil, m.getErr
	}

	s, ok := m.sessions[id]
	if !ok {
		return nil, apierrors.NotFound("session", id)
	}

	c := *s

	return &c, nil
}

// TerminationRecord records a TerminateSession call.
type TerminationRecord struct {
	SessionID string
	Reason    string
}

// MockController implements session.Controller.
type MockController struct {
	err          error
	terminations []TerminationRecord
	mu           sync.Mutex
}

// NewMockController creates a controller that records calls.
func NewMockController() *MockController {
	return &MockController{}
}

// SetError sets the error to return on TerminateSession calls.
func (m *MockController) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.err = err
}

// TerminateSession implements session.Controller.
func (m *MockController) TerminateSession(_ context.Context, sessionID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.terminations = append(m.terminations, TerminationRecord{SessionID: sessionID, Reason: reason})

	return m.err
}

// Terminations returns a copy of the recorded calls.
func (m *MockController) Terminations() []TerminationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]TerminationRecord(nil), m.terminations...)
}
