package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrInvalidTransition is returned on any attempt to move a session out of a
// terminal state, or to apply a transition that the state machine does not
// define. It indicates a caller bug, not a retryable condition.
var ErrInvalidTransition = errors.New("invalid session state transition")

// ErrByteOverflow is returned when recorded bytes would exceed the declared
// total size of the file.
var ErrByteOverflow = errors.New("bytes transferred exceed declared file size")

// State is the lifecycle state of a transfer session.
type State uint8

const (
	// StatePending means the session is admitted but the receiver has not
	// acknowledged readiness yet.
	StatePending State = iota
	// StateActive means bytes are flowing.
	StateActive
	// StateCompleted means all declared bytes were acknowledged gap-free.
	StateCompleted
	// StateFailed means the session terminated with an error.
	StateFailed
	// StateCancelled means a party cancelled the session; not an error.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// FailureReason classifies why a session reached StateFailed.
type FailureReason string

const (
	ReasonNone                FailureReason = ""
	ReasonReceiverUnavailable FailureReason = "receiver_unavailable"
	ReasonIntegrityError      FailureReason = "integrity_error"
	ReasonAckTimeout          FailureReason = "ack_timeout"
	ReasonConnectionLost      FailureReason = "connection_lost"
)

// Session is one file-transfer attempt from a sender to a receiver. All state
// mutation goes through the transition methods; readers take Snapshot.
type Session struct {
	ID         string
	SenderID   string
	ReceiverID string
	FileName   string
	TotalSize  int64

	mu               sync.Mutex
	state            State
	bytesTransferred int64
	failureReason    FailureReason
	fileDigest       string
	createdAt        time.Time
	terminatedAt     time.Time
}

// Snapshot is an immutable view of a session's committed state.
type Snapshot struct {
	ID               string        `json:"id"`
	SenderID         string        `json:"sender_id"`
	ReceiverID       string        `json:"receiver_id"`
	FileName         string        `json:"file_name"`
	TotalSize        int64         `json:"total_size"`
	BytesTransferred int64         `json:"bytes_transferred"`
	State            State         `json:"-"`
	Status           string        `json:"status"`
	FailureReason    FailureReason `json:"failure_reason,omitempty"`
	FileDigest       string        `json:"file_digest,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	TerminatedAt     time.Time     `json:"terminated_at,omitempty"`
}

// Duration is the session's lifetime: creation to termination, or to now for
// a session that is still running.
func (s Snapshot) Duration() time.Duration {
	if s.TerminatedAt.IsZero() {
		return time.Since(s.CreatedAt)
	}
	return s.TerminatedAt.Sub(s.CreatedAt)
}

// Percent is the transfer completion percentage, 0 for an empty declared size.
func (s Snapshot) Percent() float64 {
	if s.TotalSize <= 0 {
		return 0
	}
	return float64(s.BytesTransferred) / float64(s.TotalSize) * 100.0
}

func New(id, senderID, receiverID, fileName string, totalSize int64) *Session {
	logrus.WithFields(logrus.Fields{
		"session_id":  id,
		"sender_id":   senderID,
		"receiver_id": receiverID,
		"file_name":   fileName,
		"total_size":  totalSize,
	}).Info("Transfer session created")

	return &Session{
		ID:         id,
		SenderID:   senderID,
		ReceiverID: receiverID,
		FileName:   fileName,
		TotalSize:  totalSize,
		state:      StatePending,
		createdAt:  time.Now(),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the committed session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:               s.ID,
		SenderID:         s.SenderID,
		ReceiverID:       s.ReceiverID,
		FileName:         s.FileName,
		TotalSize:        s.TotalSize,
		BytesTransferred: s.bytesTransferred,
		State:            s.state,
		Status:           s.state.String(),
		FailureReason:    s.failureReason,
		FileDigest:       s.fileDigest,
		CreatedAt:        s.createdAt,
		TerminatedAt:     s.terminatedAt,
	}
}

// Activate moves the session from Pending to Active once the receiver has
// acknowledged readiness.
func (s *Session) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePending {
		return fmt.Errorf("%w: %s -> active", ErrInvalidTransition, s.state)
	}
	s.state = StateActive
	return nil
}

// AddBytes records n acknowledged bytes. Only valid while Active; the running
// total is monotone and may never exceed the declared size.
func (s *Session) AddBytes(n int64) (int64, error) {
	if n < 0 {
		return 0, fmt.Errorf("negative byte count %d", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return s.bytesTransferred, fmt.Errorf("%w: add bytes in state %s", ErrInvalidTransition, s.state)
	}
	if s.bytesTransferred+n > s.TotalSize {
		return s.bytesTransferred, ErrByteOverflow
	}
	s.bytesTransferred += n
	return s.bytesTransferred, nil
}

// SetDigest records the aggregate digest of the full file content. Set once
// by the chunk pipeline when the source stream is exhausted.
func (s *Session) SetDigest(digest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileDigest = digest
}

// Complete moves the session from Active to Completed. The caller asserts
// that every declared byte was acknowledged and the chunk sequence is
// gap-free.
func (s *Session) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return fmt.Errorf("%w: %s -> completed", ErrInvalidTransition, s.state)
	}
	if s.bytesTransferred != s.TotalSize {
		return fmt.Errorf("cannot complete with %d of %d bytes acknowledged", s.bytesTransferred, s.TotalSize)
	}
	s.state = StateCompleted
	s.terminatedAt = time.Now()
	return nil
}

// Fail terminates the session with the given reason. Valid from Pending and
// Active; failing an already-terminal session is a caller bug.
func (s *Session) Fail(reason FailureReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return fmt.Errorf("%w: %s -> failed", ErrInvalidTransition, s.state)
	}
	s.state = StateFailed
	s.failureReason = reason
	s.terminatedAt = time.Now()

	logrus.WithFields(logrus.Fields{
		"session_id": s.ID,
		"reason":     reason,
		"bytes":      s.bytesTransferred,
	}).Warn("Transfer session failed")
	return nil
}

// Cancel terminates the session cooperatively. Cancelling a session that is
// already terminal is a no-op, not an error; the returned bool reports
// whether this call performed the transition.
func (s *Session) Cancel() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false, nil
	}
	s.state = StateCancelled
	s.terminatedAt = time.Now()

	logrus.WithFields(logrus.Fields{
		"session_id": s.ID,
		"bytes":      s.bytesTransferred,
	}).Info("Transfer session cancelled")
	return true, nil
}
