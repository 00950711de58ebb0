package gateway

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/filebeam/filebeam/internal/assembler"
	"github.com/filebeam/filebeam/internal/chunker"
	"github.com/filebeam/filebeam/internal/history"
	"github.com/filebeam/filebeam/internal/presence"
	"github.com/filebeam/filebeam/internal/scheduler"
	"github.com/filebeam/filebeam/internal/session"
)

// ErrInvalidRequest marks malformed client input. It is raised before any
// session state is touched.
var ErrInvalidRequest = errors.New("invalid request")

const (
	maxIDLength       = 128
	maxFileNameLength = 255
	subscriberBuffer  = 128
)

// EventType identifies the kind of event pushed to connected clients.
type EventType string

const (
	EventPresenceChanged    EventType = "presence-changed"
	EventTransferProgress   EventType = "transfer-progress"
	EventTransferTerminated EventType = "transfer-terminated"
)

// Event is one item on a client's event stream.
type Event struct {
	Type       EventType             `json:"type"`
	At         time.Time             `json:"at"`
	Presence   *presence.Participant `json:"presence,omitempty"`
	Progress   *chunker.Progress     `json:"progress,omitempty"`
	Terminated *TerminatedEvent      `json:"terminated,omitempty"`
}

// TerminatedEvent carries a session's final snapshot together with the
// history entry that was recorded for it. The entry is always recorded before
// this event is delivered.
type TerminatedEvent struct {
	Session session.Snapshot `json:"session"`
	Entry   history.Entry    `json:"entry"`
}

// ConnectRequest identifies a participant joining the core.
type ConnectRequest struct {
	ID          string        `json:"id"`
	DisplayName string        `json:"display_name"`
	Roles       presence.Role `json:"roles"`
}

// SubmitRequest asks for a new transfer session.
type SubmitRequest struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	FileName   string `json:"file_name"`
	Size       int64  `json:"size"`
	Password   string `json:"password,omitempty"`

	// Source opens the file content. Set programmatically, not over the wire.
	Source scheduler.Source `json:"-"`
}

// Options tunes the gateway's scheduler and pipelines.
type Options struct {
	SessionsPerUser     int
	DedupWindow         time.Duration
	ChunkSize           int64
	MaxInflight         int
	AckTimeout          time.Duration
	ProgressInterval    time.Duration
	ProgressMinDeltaPct float64
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (s *subscriber) send(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		logrus.WithField("event", ev.Type).Warn("Subscriber buffer full, event dropped")
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Gateway is the boundary of the transfer core: it validates client input,
// owns the event fan-out, and wires the scheduler to an in-process loopback
// transport that stages received chunks for reassembly.
type Gateway struct {
	registry *presence.Registry
	ledger   *history.Ledger
	asm      *assembler.Assembler
	sched    *scheduler.Scheduler

	subMu sync.RWMutex
	subs  map[string]*subscriber
}

func New(registry *presence.Registry, ledger *history.Ledger, asm *assembler.Assembler, opts Options) *Gateway {
	gw := &Gateway{
		registry: registry,
		ledger:   ledger,
		asm:      asm,
		subs:     make(map[string]*subscriber),
	}
	gw.sched = scheduler.NewScheduler(registry, ledger, gw.newLocalReceiver, scheduler.Options{
		SessionsPerUser:     opts.SessionsPerUser,
		DedupWindow:         opts.DedupWindow,
		ChunkSize:           opts.ChunkSize,
		MaxInflight:         opts.MaxInflight,
		AckTimeout:          opts.AckTimeout,
		ProgressInterval:    opts.ProgressInterval,
		ProgressMinDeltaPct: opts.ProgressMinDeltaPct,
		OnProgress:          gw.onProgress,
		OnTerminated:        gw.onTerminated,
	})
	registry.Watch(gw.onPresence)
	return gw
}

// Scheduler exposes the owned scheduler, mainly for status queries.
func (gw *Gateway) Scheduler() *scheduler.Scheduler { return gw.sched }

// Shutdown stops all live sessions.
func (gw *Gateway) Shutdown() {
	gw.sched.Shutdown()
	gw.subMu.Lock()
	for id, sub := range gw.subs {
		sub.close()
		delete(gw.subs, id)
	}
	gw.subMu.Unlock()
}

// Connect registers a participant, marks it online, and returns its event
// stream. Reconnecting replaces the previous stream.
func (gw *Gateway) Connect(req ConnectRequest) (<-chan Event, error) {
	if err := validateID(req.ID); err != nil {
		return nil, err
	}
	if req.DisplayName == "" || len(req.DisplayName) > maxIDLength {
		return nil, fmt.Errorf("%w: display name must be 1-%d characters", ErrInvalidRequest, maxIDLength)
	}
	if req.Roles == 0 {
		return nil, fmt.Errorf("%w: participant needs at least one role", ErrInvalidRequest)
	}

	gw.registry.Register(presence.Participant{
		ID:          req.ID,
		DisplayName: req.DisplayName,
		Roles:       req.Roles,
	})

	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	gw.subMu.Lock()
	if old, ok := gw.subs[req.ID]; ok {
		old.close()
	}
	gw.subs[req.ID] = sub
	gw.subMu.Unlock()

	if err := gw.registry.SetOnline(req.ID, true); err != nil {
		return nil, err
	}
	return sub.ch, nil
}

// Disconnect marks the participant offline and closes its event stream. The
// registry keeps the record for history attribution.
func (gw *Gateway) Disconnect(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := gw.registry.SetOnline(id, false); err != nil {
		return err
	}
	gw.subMu.Lock()
	if sub, ok := gw.subs[id]; ok {
		sub.close()
		delete(gw.subs, id)
	}
	gw.subMu.Unlock()
	return nil
}

// SubmitTransfer validates the request and admits it through the scheduler.
func (gw *Gateway) SubmitTransfer(req SubmitRequest) (string, error) {
	if err := validateID(req.SenderID); err != nil {
		return "", err
	}
	if err := validateID(req.ReceiverID); err != nil {
		return "", err
	}
	if req.SenderID == req.ReceiverID {
		return "", fmt.Errorf("%w: sender and receiver must differ", ErrInvalidRequest)
	}
	if err := validateFileName(req.FileName); err != nil {
		return "", err
	}
	if req.Size < 0 {
		return "", fmt.Errorf("%w: size must be non-negative", ErrInvalidRequest)
	}
	if req.Source == nil {
		return "", fmt.Errorf("%w: no file source supplied", ErrInvalidRequest)
	}

	sender, err := gw.registry.Lookup(req.SenderID)
	if err != nil {
		return "", fmt.Errorf("%w: unknown sender %q", ErrInvalidRequest, req.SenderID)
	}
	if !sender.Roles.CanSend() {
		return "", fmt.Errorf("%w: participant %q cannot act as sender", ErrInvalidRequest, req.SenderID)
	}
	if receiver, err := gw.registry.Lookup(req.ReceiverID); err == nil && !receiver.Roles.CanReceive() {
		return "", fmt.Errorf("%w: participant %q cannot act as receiver", ErrInvalidRequest, req.ReceiverID)
	}

	return gw.sched.Submit(req.SenderID, req.ReceiverID,
		scheduler.FileMeta{Name: req.FileName, Size: req.Size},
		req.Password, req.Source)
}

// AcknowledgeReceipt signals receiver readiness for a pending session.
func (gw *Gateway) AcknowledgeReceipt(sessionID string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	return gw.sched.AcknowledgeReceipt(sessionID)
}

// CancelTransfer cancels a session; cancelling a terminal session is a no-op.
func (gw *Gateway) CancelTransfer(sessionID string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	return gw.sched.Cancel(sessionID)
}

// QueryHistory lists archived sessions, most-recent-first.
func (gw *Gateway) QueryHistory(filter history.Filter) ([]history.Entry, error) {
	switch filter.Status {
	case "", "success", "failed", "cancelled":
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, filter.Status)
	}
	if filter.ParticipantID != "" {
		if err := validateID(filter.ParticipantID); err != nil {
			return nil, err
		}
	}
	return gw.ledger.List(filter)
}

// SessionStatus reports a live session's snapshot, falling back to the
// archived history entry once the session has terminated.
func (gw *Gateway) SessionStatus(sessionID string) (session.Snapshot, *history.Entry, error) {
	if err := validateSessionID(sessionID); err != nil {
		return session.Snapshot{}, nil, err
	}
	if snap, ok := gw.sched.Status(sessionID); ok {
		return snap, nil, nil
	}
	entry, found, err := gw.ledger.Get(sessionID)
	if err != nil {
		return session.Snapshot{}, nil, err
	}
	if !found {
		return session.Snapshot{}, nil, scheduler.ErrSessionNotFound
	}
	return session.Snapshot{}, &entry, nil
}

// ListOnline snapshots every online participant for the user list.
func (gw *Gateway) ListOnline() []presence.Participant {
	return gw.registry.ListOnline()
}

func (gw *Gateway) onPresence(ev presence.Event) {
	p := ev.Participant
	gw.broadcast(Event{
		Type:     EventPresenceChanged,
		At:       ev.At,
		Presence: &p,
	})
}

func (gw *Gateway) onProgress(p chunker.Progress) {
	gw.broadcast(Event{
		Type:     EventTransferProgress,
		At:       time.Now(),
		Progress: &p,
	})
}

func (gw *Gateway) onTerminated(snap session.Snapshot, entry history.Entry) {
	if snap.State == session.StateCompleted {
		if _, err := gw.asm.Finalize(snap.ID, snap.FileName, snap.FileDigest, snap.TotalSize); err != nil {
			logrus.WithField("session_id", snap.ID).Errorf("Reassembly failed: %v", err)
		}
	} else {
		gw.asm.Discard(snap.ID)
	}

	gw.broadcast(Event{
		Type:       EventTransferTerminated,
		At:         time.Now(),
		Terminated: &TerminatedEvent{Session: snap, Entry: entry},
	})
}

func (gw *Gateway) broadcast(ev Event) {
	gw.subMu.RLock()
	subs := make([]*subscriber, 0, len(gw.subs))
	for _, sub := range gw.subs {
		subs = append(subs, sub)
	}
	gw.subMu.RUnlock()
	for _, sub := range subs {
		sub.send(ev)
	}
}

func validateID(id string) error {
	if id == "" || len(id) > maxIDLength {
		return fmt.Errorf("%w: identifier must be 1-%d characters", ErrInvalidRequest, maxIDLength)
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%w: identifier contains illegal characters", ErrInvalidRequest)
		}
	}
	return nil
}

func validateSessionID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: malformed session id %q", ErrInvalidRequest, id)
	}
	return nil
}

func validateFileName(name string) error {
	if name == "" || len(name) > maxFileNameLength {
		return fmt.Errorf("%w: file name must be 1-%d characters", ErrInvalidRequest, maxFileNameLength)
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("%w: file name must not contain path separators", ErrInvalidRequest)
	}
	return nil
}
