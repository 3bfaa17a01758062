package session

import (
	"errors"
	"fmt"
	"sync"
)

// Status represents the lifecycle status of a session.
type Status int

const (
	// StatusCreated - Session exists, no client attached yet.
	StatusCreated Status = iota
	// StatusConnected - At least one client attached.
	StatusConnected
	// StatusRecording - Audio is flowing to the upstream recognizer.
	StatusRecording
	// StatusStopped - Upstream half-closed, draining last results.
	StatusStopped
	// StatusCompleted - Transcript persisted. Terminal.
	StatusCompleted
	// StatusError - Upstream failed. Terminal.
	StatusError
)

// String returns the wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusConnected:
		return "connected"
	case StatusRecording:
		return "recording"
	case StatusStopped:
		return "stopped"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// IsTerminal returns true for completed and error.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Accepting returns true while the session takes audio.
func (s Status) Accepting() bool {
	return s == StatusCreated || s == StatusConnected || s == StatusRecording
}

// Errors for session operations.
var (
	ErrNotFound      = errors.New("session not found")
	ErrSessionClosed = errors.New("session is closed")
)

// Lifecycle manages the status machine of a single session.
// Thread-safe for concurrent access.
//
// Status transitions:
//
//	created → connected → recording → stopped → completed
//	   └──────────┴───────────┴──────────┴──→ error
//
// Rules:
//   - Stop succeeds once; it is the one-shot guard for ending a session
//   - completed and error are terminal; all transitions out of them fail
type Lifecycle struct {
	mu     sync.RWMutex
	status Status
	reason string
}

// NewLifecycle creates a lifecycle in created status.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{status: StatusCreated}
}

// Status returns the current status.
func (l *Lifecycle) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// Reason returns the failure reason for a session in error status.
func (l *Lifecycle) Reason() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reason
}

// MarkConnected moves a created session to connected.
func (l *Lifecycle) MarkConnected() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.status {
	case StatusCreated:
		l.status = StatusConnected
		return nil
	case StatusConnected, StatusRecording:
		return nil
	default:
		return ErrSessionClosed
	}
}

// MarkRecording records that audio is flowing.
func (l *Lifecycle) MarkRecording() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.status.Accepting() {
		return ErrSessionClosed
	}
	l.status = StatusRecording
	return nil
}

// Stop moves an accepting session to stopped. Returns false if the session
// was already stopping or terminal.
func (l *Lifecycle) Stop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.status.Accepting() {
		return false
	}
	l.status = StatusStopped
	return true
}

// Complete moves a stopped session to completed. Returns false otherwise,
// leaving an error status in place.
func (l *Lifecycle) Complete() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status != StatusStopped {
		return false
	}
	l.status = StatusCompleted
	return true
}

// Fail moves a non-terminal session to error.
// Returns true if the session was failed, false if already terminal.
func (l *Lifecycle) Fail(reason string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status.IsTerminal() {
		return false
	}
	l.status = StatusError
	l.reason = reason
	return true
}
