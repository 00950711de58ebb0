package chunker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/filebeam/filebeam/internal/compressor"
	"github.com/filebeam/filebeam/internal/encryptor"
	"github.com/filebeam/filebeam/internal/session"
)

// Chunk is one bounded slice of a file's byte stream, the unit of transfer
// and acknowledgment. Chunks belong to exactly one session and are discarded
// after acknowledgment.
type Chunk struct {
	SessionID  string
	Index      int
	Offset     int64
	Size       int64 // plaintext byte count
	Payload    []byte
	Checksum   string // sha256 of the plaintext
	Compressed bool
	Sealed     bool
	Last       bool
}

// Transport delivers chunks toward the receiver. Acknowledgments arrive
// asynchronously through Pipeline.Acknowledge.
type Transport interface {
	Send(ctx context.Context, chunk Chunk) error
}

// Progress is a throttled byte-level progress report for one session.
type Progress struct {
	SessionID        string  `json:"session_id"`
	BytesTransferred int64   `json:"bytes_transferred"`
	TotalBytes       int64   `json:"total_bytes"`
	Percent          float64 `json:"percent"`
	Rate             float64 `json:"rate"` // bytes per second
}

// FailureError reports the reason a pipeline run terminated its session.
type FailureError struct {
	Reason session.FailureReason
	Err    error
}

func (e *FailureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("transfer failed (%s)", e.Reason)
}

func (e *FailureError) Unwrap() error { return e.Err }

// Options configures a pipeline run. Chunk size is fixed for the whole
// session once the pipeline is created.
type Options struct {
	ChunkSize           int64
	MaxInflight         int
	AckTimeout          time.Duration
	ProgressInterval    time.Duration
	ProgressMinDeltaPct float64
	Password            string // non-empty = seal payloads
	OnProgress          func(Progress)
}

// DefaultChunkSize picks a chunk size tiered by file size, used when the
// configured chunk size is zero.
func DefaultChunkSize(fileSize int64) int64 {
	switch {
	case fileSize <= 1*1024*1024:
		return 256 * 1024
	case fileSize <= 10*1024*1024:
		return 512 * 1024
	case fileSize <= 100*1024*1024:
		return 1 * 1024 * 1024
	case fileSize <= 1024*1024*1024:
		return 4 * 1024 * 1024
	default:
		return 8 * 1024 * 1024
	}
}

type ackMsg struct {
	index int
	ok    bool
}

type pendingChunk struct {
	size   int64
	sentAt time.Time
}

// Pipeline splits a session's source stream into chunks, delivers them in
// sequence order with a bounded unacknowledged window, and recomputes the
// session's bytes-transferred as acknowledgments come back. It is the single
// writer of its session's state while running.
type Pipeline struct {
	sess      *session.Session
	transport Transport
	opts      Options
	enc       encryptor.Encryptor

	acks  chan ackMsg
	slots chan struct{}

	mu          sync.Mutex
	pending     map[int]pendingChunk
	acked       int
	totalChunks int
	sendingDone bool
	allEmitted  bool
	drained     chan struct{}
	drainClosed bool
	failReason  session.FailureReason

	start       time.Time
	lastEmit    time.Time
	lastEmitPct float64
}

// NewPipeline creates a pipeline for one session. The session must still be
// Pending or Active; Run requires Active.
func NewPipeline(sess *session.Session, transport Transport, opts Options) *Pipeline {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize(sess.TotalSize)
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 4
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 500 * time.Millisecond
	}
	if opts.ProgressMinDeltaPct <= 0 {
		opts.ProgressMinDeltaPct = 1.0
	}

	p := &Pipeline{
		sess:      sess,
		transport: transport,
		opts:      opts,
		enc:       encryptor.NewEncryptor(),
		acks:      make(chan ackMsg, opts.MaxInflight*2),
		slots:     make(chan struct{}, opts.MaxInflight),
		pending:   make(map[int]pendingChunk),
		drained:   make(chan struct{}),
	}
	for i := 0; i < opts.MaxInflight; i++ {
		p.slots <- struct{}{}
	}
	return p
}

// Acknowledge reports delivery of a chunk. ok=false means the receiver
// rejected the chunk after a checksum mismatch, which fails the session
// immediately. Safe to call from any goroutine; acknowledgments for unknown
// or already-settled chunks are ignored.
func (p *Pipeline) Acknowledge(index int, ok bool) {
	select {
	case p.acks <- ackMsg{index: index, ok: ok}:
	default:
		// Pipeline already stopped draining; the session is terminal.
	}
}

// Run streams the source through the transport until completion, failure or
// cancellation, then applies the terminal transition. The chunk sequence is
// finite and non-restartable: a failed session is resubmitted as a new one.
func (p *Pipeline) Run(ctx context.Context, r io.Reader) error {
	if st := p.sess.State(); st != session.StateActive {
		return fmt.Errorf("%w: pipeline run in state %s", session.ErrInvalidTransition, st)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.start = time.Now()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.ackLoop(runCtx, cancel)
	}()

	complete, emitErr := p.emitChunks(runCtx, r)
	if emitErr == nil && complete {
		select {
		case <-p.drained:
		case <-runCtx.Done():
		}
	}
	cancel()
	wg.Wait()

	return p.finish(ctx, emitErr)
}

// emitChunks reads and sends chunks until the stream ends, the session leaves
// Active, or a send fails. Cancellation is honored at chunk boundaries only.
func (p *Pipeline) emitChunks(ctx context.Context, r io.Reader) (bool, error) {
	buf := make([]byte, p.opts.ChunkSize)
	digest := sha256.New()
	skipCompress := compressor.ShouldSkipCompression(p.sess.FileName)
	index := 0
	var offset int64

	for {
		if p.sess.State() != session.StateActive {
			p.markSendingDone(index, false)
			return false, nil
		}

		n, readErr := io.ReadFull(r, buf)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			p.fail(session.ReasonConnectionLost)
			p.markSendingDone(index, false)
			return false, fmt.Errorf("failed to read source: %w", readErr)
		}

		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			digest.Write(data)

			chunk, err := p.buildChunk(index, offset, data, skipCompress)
			if err != nil {
				p.fail(session.ReasonIntegrityError)
				p.markSendingDone(index, false)
				return false, err
			}

			select {
			case <-p.slots:
			case <-ctx.Done():
				p.markSendingDone(index, false)
				return false, nil
			}

			p.trackPending(chunk.Index, chunk.Size)
			if err := p.transport.Send(ctx, *chunk); err != nil {
				p.fail(session.ReasonConnectionLost)
				p.markSendingDone(index+1, false)
				return false, fmt.Errorf("failed to send chunk %d: %w", index, err)
			}
			index++
			offset += int64(n)
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF || n == 0 {
			break
		}
	}

	p.sess.SetDigest(hex.EncodeToString(digest.Sum(nil)))
	p.markSendingDone(index, true)
	return true, nil
}

func (p *Pipeline) buildChunk(index int, offset int64, data []byte, skipCompress bool) (*Chunk, error) {
	sum := sha256.Sum256(data)
	chunk := &Chunk{
		SessionID: p.sess.ID,
		Index:     index,
		Offset:    offset,
		Size:      int64(len(data)),
		Payload:   data,
		Checksum:  hex.EncodeToString(sum[:]),
		Last:      offset+int64(len(data)) == p.sess.TotalSize,
	}

	if !skipCompress {
		compressed, err := compressor.CompressChunk(data)
		if err != nil {
			return nil, fmt.Errorf("compression failed for chunk %d: %w", index, err)
		}
		chunk.Payload = compressed
		chunk.Compressed = true
	}

	if p.opts.Password != "" {
		sealed, err := p.enc.Encrypt(chunk.Payload, p.opts.Password)
		if err != nil {
			return nil, fmt.Errorf("sealing failed for chunk %d: %w", index, err)
		}
		chunk.Payload = sealed
		chunk.Sealed = true
	}

	return chunk, nil
}

func (p *Pipeline) trackPending(index int, size int64) {
	p.mu.Lock()
	p.pending[index] = pendingChunk{size: size, sentAt: time.Now()}
	p.mu.Unlock()
}

func (p *Pipeline) markSendingDone(total int, allEmitted bool) {
	p.mu.Lock()
	p.sendingDone = true
	p.totalChunks = total
	p.allEmitted = allEmitted
	p.mu.Unlock()
	p.checkDrained()
}

func (p *Pipeline) checkDrained() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendingDone && len(p.pending) == 0 && !p.drainClosed {
		p.drainClosed = true
		close(p.drained)
	}
}

// ackLoop settles acknowledgments, drives the session's byte count and the
// throttled progress events, and enforces the acknowledgment deadline.
func (p *Pipeline) ackLoop(ctx context.Context, cancel context.CancelFunc) {
	tick := p.opts.AckTimeout / 4
	if tick < 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case a := <-p.acks:
			p.mu.Lock()
			pc, known := p.pending[a.index]
			if known {
				delete(p.pending, a.index)
			}
			p.mu.Unlock()
			if !known {
				continue
			}

			if !a.ok {
				p.fail(session.ReasonIntegrityError)
				cancel()
				return
			}
			if _, err := p.sess.AddBytes(pc.size); err != nil {
				if errors.Is(err, session.ErrInvalidTransition) {
					// Session went terminal while the ack was in flight; the
					// emitter may be parked on a full window, so unblock it.
					cancel()
					return
				}
				p.fail(session.ReasonIntegrityError)
				cancel()
				return
			}

			p.mu.Lock()
			p.acked++
			p.mu.Unlock()

			select {
			case p.slots <- struct{}{}:
			default:
			}

			p.maybeEmitProgress(false)
			p.checkDrained()

		case <-ticker.C:
			if p.sess.State().Terminal() {
				cancel()
				return
			}
			now := time.Now()
			expired := false
			p.mu.Lock()
			for _, pc := range p.pending {
				if now.Sub(pc.sentAt) > p.opts.AckTimeout {
					expired = true
					break
				}
			}
			p.mu.Unlock()
			if expired {
				p.fail(session.ReasonAckTimeout)
				cancel()
				return
			}
		}
	}
}

// fail applies the Failed transition once. A session already cancelled keeps
// its Cancelled state; ErrInvalidTransition from a lost race is expected.
func (p *Pipeline) fail(reason session.FailureReason) {
	p.mu.Lock()
	if p.failReason == session.ReasonNone {
		p.failReason = reason
	}
	p.mu.Unlock()
	if err := p.sess.Fail(reason); err != nil {
		logrus.WithFields(logrus.Fields{
			"session_id": p.sess.ID,
			"reason":     reason,
		}).Debug("Session already terminal, failure transition skipped")
	}
}

func (p *Pipeline) finish(ctx context.Context, emitErr error) error {
	switch p.sess.State() {
	case session.StateActive:
		if ctx.Err() != nil {
			// External cancellation with the session still Active: the
			// coordinating caller went away mid-flight.
			p.fail(session.ReasonConnectionLost)
			return &FailureError{Reason: session.ReasonConnectionLost, Err: ctx.Err()}
		}
		p.mu.Lock()
		gapFree := p.allEmitted && p.acked == p.totalChunks
		p.mu.Unlock()
		if !gapFree {
			p.fail(session.ReasonConnectionLost)
			return &FailureError{Reason: session.ReasonConnectionLost}
		}
		if err := p.sess.Complete(); err != nil {
			return err
		}
		p.maybeEmitProgress(true)
		logrus.WithFields(logrus.Fields{
			"session_id": p.sess.ID,
			"chunks":     p.totalChunks,
			"bytes":      p.sess.TotalSize,
		}).Info("Transfer completed")
		return nil

	case session.StateCancelled:
		return nil

	case session.StateFailed:
		p.mu.Lock()
		reason := p.failReason
		p.mu.Unlock()
		if reason == session.ReasonNone {
			reason = p.sess.Snapshot().FailureReason
		}
		return &FailureError{Reason: reason, Err: emitErr}

	default:
		return fmt.Errorf("pipeline finished in unexpected state %s", p.sess.State())
	}
}

func (p *Pipeline) maybeEmitProgress(force bool) {
	if p.opts.OnProgress == nil {
		return
	}
	snap := p.sess.Snapshot()
	pct := snap.Percent()

	p.mu.Lock()
	now := time.Now()
	due := force ||
		p.lastEmit.IsZero() ||
		now.Sub(p.lastEmit) >= p.opts.ProgressInterval ||
		pct-p.lastEmitPct >= p.opts.ProgressMinDeltaPct
	if due {
		p.lastEmit = now
		p.lastEmitPct = pct
	}
	p.mu.Unlock()
	if !due {
		return
	}

	elapsed := time.Since(p.start).Seconds()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(snap.BytesTransferred) / elapsed
	}
	p.opts.OnProgress(Progress{
		SessionID:        snap.ID,
		BytesTransferred: snap.BytesTransferred,
		TotalBytes:       snap.TotalSize,
		Percent:          pct,
		Rate:             rate,
	})
}
