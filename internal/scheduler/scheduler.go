package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/filebeam/filebeam/internal/chunker"
	"github.com/filebeam/filebeam/internal/history"
	"github.com/filebeam/filebeam/internal/presence"
	"github.com/filebeam/filebeam/internal/session"
)

// ErrSessionNotFound is returned for operations on a session id the scheduler
// has never seen.
var ErrSessionNotFound = errors.New("session not found")

// AdmissionCode classifies why a submission was rejected. Admission errors
// happen before any session exists and are recoverable by caller retry.
type AdmissionCode string

const (
	CapacityExceeded  AdmissionCode = "capacity_exceeded"
	ReceiverOffline   AdmissionCode = "receiver_offline"
	DuplicateTransfer AdmissionCode = "duplicate_transfer"
)

// AdmissionError rejects a submission without creating a session.
type AdmissionError struct {
	Code   AdmissionCode
	Detail string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission rejected (%s): %s", e.Code, e.Detail)
}

// FileMeta describes the file a submission wants to move.
type FileMeta struct {
	Name string
	Size int64
}

// Source opens the byte stream for a session's file content.
type Source func() (io.ReadCloser, error)

// TransportFactory builds the chunk transport for one admitted session. The
// ack function routes delivery acknowledgments back into the pipeline.
type TransportFactory func(snap session.Snapshot, password string, ack func(index int, ok bool)) chunker.Transport

// Options tunes admission control and the per-session pipelines.
type Options struct {
	SessionsPerUser     int
	DedupWindow         time.Duration
	ChunkSize           int64
	MaxInflight         int
	AckTimeout          time.Duration
	ProgressInterval    time.Duration
	ProgressMinDeltaPct float64

	OnProgress   func(chunker.Progress)
	OnTerminated func(session.Snapshot, history.Entry)
}

type dedupKey struct {
	senderID   string
	receiverID string
	fileName   string
	size       int64
}

type activeSession struct {
	sess     *session.Session
	source   Source
	password string
	cancel   context.CancelFunc
	ctx      context.Context

	ackCh   chan struct{}
	ackOnce sync.Once

	mu       sync.Mutex
	pipeline *chunker.Pipeline

	finalizeOnce sync.Once
}

func (as *activeSession) acknowledgeReceipt() {
	as.ackOnce.Do(func() { close(as.ackCh) })
}

// Scheduler admits transfer sessions, enforces per-participant concurrency
// limits, and drives each admitted session through its chunk pipeline. Every
// terminated session is recorded in the history ledger before the terminal
// event is published.
type Scheduler struct {
	registry   *presence.Registry
	ledger     *history.Ledger
	transports TransportFactory
	opts       Options

	mu      sync.Mutex
	active  map[string]*activeSession
	perUser map[string]int
	recent  map[dedupKey]time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

func NewScheduler(registry *presence.Registry, ledger *history.Ledger, transports TransportFactory, opts Options) *Scheduler {
	if opts.SessionsPerUser <= 0 {
		opts.SessionsPerUser = 3
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 10 * time.Second
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		registry:   registry,
		ledger:     ledger,
		transports: transports,
		opts:       opts,
		active:     make(map[string]*activeSession),
		perUser:    make(map[string]int),
		recent:     make(map[dedupKey]time.Time),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	registry.Watch(s.onPresence)
	return s
}

// Submit admits a new transfer session or rejects it with an AdmissionError.
// On admission the session starts Pending and waits for the receiver's
// readiness acknowledgment.
func (s *Scheduler) Submit(senderID, receiverID string, meta FileMeta, password string, source Source) (string, error) {
	if _, err := s.registry.Lookup(senderID); err != nil {
		return "", fmt.Errorf("unknown sender %q: %w", senderID, err)
	}
	receiver, err := s.registry.Lookup(receiverID)
	if err != nil {
		return "", &AdmissionError{Code: ReceiverOffline, Detail: fmt.Sprintf("receiver %q is not registered", receiverID)}
	}
	if !receiver.Online {
		return "", &AdmissionError{Code: ReceiverOffline, Detail: fmt.Sprintf("receiver %q is offline", receiverID)}
	}

	key := dedupKey{senderID: senderID, receiverID: receiverID, fileName: meta.Name, size: meta.Size}

	s.mu.Lock()
	s.pruneDedupLocked()
	if _, dup := s.recent[key]; dup {
		s.mu.Unlock()
		return "", &AdmissionError{Code: DuplicateTransfer, Detail: "identical transfer submitted within the dedup window"}
	}
	if s.perUser[senderID] >= s.opts.SessionsPerUser {
		s.mu.Unlock()
		return "", &AdmissionError{Code: CapacityExceeded, Detail: fmt.Sprintf("sender %q is at its concurrent session cap", senderID)}
	}
	if s.perUser[receiverID] >= s.opts.SessionsPerUser {
		s.mu.Unlock()
		return "", &AdmissionError{Code: CapacityExceeded, Detail: fmt.Sprintf("receiver %q is at its concurrent session cap", receiverID)}
	}

	sess := session.New(uuid.New().String(), senderID, receiverID, meta.Name, meta.Size)
	ctx, cancel := context.WithCancel(s.baseCtx)
	as := &activeSession{
		sess:     sess,
		source:   source,
		password: password,
		ctx:      ctx,
		cancel:   cancel,
		ackCh:    make(chan struct{}),
	}
	s.active[sess.ID] = as
	s.perUser[senderID]++
	s.perUser[receiverID]++
	s.recent[key] = time.Now()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(as)
	}()

	return sess.ID, nil
}

func (s *Scheduler) pruneDedupLocked() {
	cutoff := time.Now().Add(-s.opts.DedupWindow)
	for k, at := range s.recent {
		if at.Before(cutoff) {
			delete(s.recent, k)
		}
	}
}

// AcknowledgeReceipt signals that the receiver is ready, moving the session
// toward Active.
func (s *Scheduler) AcknowledgeReceipt(sessionID string) error {
	s.mu.Lock()
	as, ok := s.active[sessionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	as.acknowledgeReceipt()
	return nil
}

// Cancel cancels a session cooperatively. Cancelling a session that already
// reached a terminal state is a no-op.
func (s *Scheduler) Cancel(sessionID string) error {
	s.mu.Lock()
	as, ok := s.active[sessionID]
	s.mu.Unlock()
	if !ok {
		if _, found, err := s.ledger.Get(sessionID); err == nil && found {
			return nil // already terminal and archived
		}
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if _, err := as.sess.Cancel(); err != nil {
		return err
	}
	as.cancel()
	return nil
}

// HandleAck routes a chunk delivery acknowledgment to the owning pipeline.
// Acks for unknown sessions are dropped; the session is already terminal.
func (s *Scheduler) HandleAck(sessionID string, index int, ok bool) {
	s.mu.Lock()
	as, found := s.active[sessionID]
	s.mu.Unlock()
	if !found {
		return
	}
	as.mu.Lock()
	pl := as.pipeline
	as.mu.Unlock()
	if pl != nil {
		pl.Acknowledge(index, ok)
	}
}

// Status returns the committed snapshot of a live session.
func (s *Scheduler) Status(sessionID string) (session.Snapshot, bool) {
	s.mu.Lock()
	as, ok := s.active[sessionID]
	s.mu.Unlock()
	if !ok {
		return session.Snapshot{}, false
	}
	return as.sess.Snapshot(), true
}

// ActiveCount reports how many sessions are currently admitted and not yet
// finalized.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown cancels all live sessions and waits for their goroutines.
func (s *Scheduler) Shutdown() {
	s.baseCancel()
	s.wg.Wait()
}

// run drives one session from Pending to a terminal state.
func (s *Scheduler) run(as *activeSession) {
	defer s.finalize(as)

	// Suspension point: wait for the receiver's readiness acknowledgment.
	// The acknowledgment timeout is a hard deadline.
	select {
	case <-as.ackCh:
	case <-as.ctx.Done():
	case <-time.After(s.opts.AckTimeout):
		s.failQuietly(as.sess, session.ReasonReceiverUnavailable)
	}

	if as.sess.State().Terminal() {
		return
	}
	if !s.registry.IsOnline(as.sess.ReceiverID) {
		s.failQuietly(as.sess, session.ReasonReceiverUnavailable)
		return
	}
	if err := as.sess.Activate(); err != nil {
		// Lost a race with cancellation or a presence failure.
		return
	}

	rc, err := as.source()
	if err != nil {
		logrus.WithField("session_id", as.sess.ID).Errorf("Failed to open source: %v", err)
		s.failQuietly(as.sess, session.ReasonConnectionLost)
		return
	}
	defer rc.Close()

	var pl *chunker.Pipeline
	transport := s.transports(as.sess.Snapshot(), as.password, func(index int, ok bool) {
		pl.Acknowledge(index, ok)
	})
	pl = chunker.NewPipeline(as.sess, transport, chunker.Options{
		ChunkSize:           s.opts.ChunkSize,
		MaxInflight:         s.opts.MaxInflight,
		AckTimeout:          s.opts.AckTimeout,
		ProgressInterval:    s.opts.ProgressInterval,
		ProgressMinDeltaPct: s.opts.ProgressMinDeltaPct,
		Password:            as.password,
		OnProgress:          s.opts.OnProgress,
	})
	as.mu.Lock()
	as.pipeline = pl
	as.mu.Unlock()

	if err := pl.Run(as.ctx, rc); err != nil {
		logrus.WithFields(logrus.Fields{
			"session_id": as.sess.ID,
			"state":      as.sess.State().String(),
		}).Warnf("Pipeline finished with error: %v", err)
	}
}

// finalize archives the terminal session, releases concurrency slots, and
// publishes the terminal event. History is recorded before the event so a
// client reacting to the event always sees the entry.
func (s *Scheduler) finalize(as *activeSession) {
	as.finalizeOnce.Do(func() {
		// A session can reach finalize without a terminal transition only if
		// the scheduler itself is shutting down.
		if !as.sess.State().Terminal() {
			if _, err := as.sess.Cancel(); err != nil {
				return
			}
		}

		snap := as.sess.Snapshot()
		entry, err := s.ledger.Record(snap)
		if err != nil {
			logrus.WithField("session_id", snap.ID).Errorf("Failed to record history entry: %v", err)
		}

		s.mu.Lock()
		delete(s.active, snap.ID)
		s.decUserLocked(snap.SenderID)
		s.decUserLocked(snap.ReceiverID)
		s.mu.Unlock()

		as.cancel()

		if s.opts.OnTerminated != nil {
			s.opts.OnTerminated(snap, entry)
		}
	})
}

func (s *Scheduler) decUserLocked(id string) {
	if s.perUser[id] > 0 {
		s.perUser[id]--
	}
	if s.perUser[id] == 0 {
		delete(s.perUser, id)
	}
}

func (s *Scheduler) failQuietly(sess *session.Session, reason session.FailureReason) {
	if err := sess.Fail(reason); err != nil {
		logrus.WithField("session_id", sess.ID).Debugf("Failure transition skipped: %v", err)
	}
}

// onPresence fails live sessions whose parties drop offline: a Pending
// session loses its receiver as ReceiverUnavailable, an Active session loses
// either party as ConnectionLost.
func (s *Scheduler) onPresence(ev presence.Event) {
	if ev.Participant.Online {
		return
	}
	id := ev.Participant.ID

	s.mu.Lock()
	affected := make([]*activeSession, 0)
	for _, as := range s.active {
		if as.sess.SenderID == id || as.sess.ReceiverID == id {
			affected = append(affected, as)
		}
	}
	s.mu.Unlock()

	for _, as := range affected {
		switch as.sess.State() {
		case session.StatePending:
			if as.sess.ReceiverID == id {
				s.failQuietly(as.sess, session.ReasonReceiverUnavailable)
				as.cancel()
			}
		case session.StateActive:
			s.failQuietly(as.sess, session.ReasonConnectionLost)
			as.cancel()
		}
	}
}
