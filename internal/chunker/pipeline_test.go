package chunker

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filebeam/filebeam/internal/compressor"
	"github.com/filebeam/filebeam/internal/encryptor"
	"github.com/filebeam/filebeam/internal/session"
)

// fakeTransport records delivered chunks and acknowledges them according to
// its decide function.
type fakeTransport struct {
	mu     sync.Mutex
	chunks []Chunk
	// decide returns ack, rejected: ack=false means never acknowledge.
	decide func(c Chunk) (ack bool, ok bool)

	pl *Pipeline
}

func (t *fakeTransport) Send(ctx context.Context, c Chunk) error {
	t.mu.Lock()
	t.chunks = append(t.chunks, c)
	t.mu.Unlock()

	ack, ok := true, true
	if t.decide != nil {
		ack, ok = t.decide(c)
	}
	if ack {
		t.pl.Acknowledge(c.Index, ok)
	}
	return nil
}

func (t *fakeTransport) delivered() []Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Chunk, len(t.chunks))
	copy(out, t.chunks)
	return out
}

func runPipeline(t *testing.T, fileName string, data []byte, opts Options, transport *fakeTransport) (*session.Session, error) {
	t.Helper()
	sess := session.New("s-1", "alice", "bob", fileName, int64(len(data)))
	require.NoError(t, sess.Activate())

	pl := NewPipeline(sess, transport, opts)
	transport.pl = pl
	err := pl.Run(context.Background(), bytes.NewReader(data))
	return sess, err
}

func TestTransferCompletesWithOrderedChunks(t *testing.T) {
	data := make([]byte, 10*1024)
	_, err := rand.Read(data)
	require.NoError(t, err)

	transport := &fakeTransport{}
	var progress []Progress
	var mu sync.Mutex
	sess, err := runPipeline(t, "backup.tar", data, Options{
		ChunkSize:   1024,
		MaxInflight: 4,
		OnProgress: func(p Progress) {
			mu.Lock()
			progress = append(progress, p)
			mu.Unlock()
		},
	}, transport)
	require.NoError(t, err)
	assert.Equal(t, session.StateCompleted, sess.State())

	chunks := transport.delivered()
	require.Len(t, chunks, 10)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index, "chunks must be emitted in sequence order")
		assert.Equal(t, int64(1024), c.Size)
		assert.Equal(t, int64(i)*1024, c.Offset)
	}
	assert.True(t, chunks[9].Last)
	assert.False(t, chunks[0].Last)

	snap := sess.Snapshot()
	assert.Equal(t, int64(10*1024), snap.BytesTransferred)

	wantDigest := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(wantDigest[:]), snap.FileDigest)

	// Progress is non-decreasing and ends at 100%.
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, progress)
	last := int64(-1)
	for _, p := range progress {
		assert.GreaterOrEqual(t, p.BytesTransferred, last)
		last = p.BytesTransferred
	}
	assert.Equal(t, 100.0, progress[len(progress)-1].Percent)
}

func TestChunkPayloadRoundTrip(t *testing.T) {
	data := []byte("hello chunked world, this should compress and seal cleanly")
	transport := &fakeTransport{}
	_, err := runPipeline(t, "notes.txt", data, Options{
		ChunkSize: 1024,
		Password:  "hunter2",
	}, transport)
	require.NoError(t, err)

	chunks := transport.delivered()
	require.Len(t, chunks, 1)
	c := chunks[0]
	assert.True(t, c.Compressed)
	assert.True(t, c.Sealed)
	assert.NotEqual(t, data, c.Payload)

	opened, err := encryptor.NewEncryptor().Decrypt(c.Payload, "hunter2")
	require.NoError(t, err)
	plain, err := compressor.DecompressChunk(opened)
	require.NoError(t, err)
	assert.Equal(t, data, plain)

	sum := sha256.Sum256(plain)
	assert.Equal(t, hex.EncodeToString(sum[:]), c.Checksum)
}

func TestCompressionSkippedForPackedFormats(t *testing.T) {
	data := make([]byte, 2048)
	transport := &fakeTransport{}
	_, err := runPipeline(t, "video.mp4", data, Options{ChunkSize: 4096}, transport)
	require.NoError(t, err)

	chunks := transport.delivered()
	require.Len(t, chunks, 1)
	assert.False(t, chunks[0].Compressed)
	assert.Equal(t, data, chunks[0].Payload)
}

func TestRejectedChunkFailsSessionImmediately(t *testing.T) {
	data := make([]byte, 5*1024)
	transport := &fakeTransport{
		decide: func(c Chunk) (bool, bool) {
			return true, c.Index != 2 // reject the third chunk
		},
	}
	sess, err := runPipeline(t, "data.bin", data, Options{ChunkSize: 1024, MaxInflight: 1}, transport)

	var failure *FailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, session.ReasonIntegrityError, failure.Reason)
	assert.Equal(t, session.StateFailed, sess.State())

	snap := sess.Snapshot()
	assert.Equal(t, int64(2*1024), snap.BytesTransferred, "bytes freeze at the last good chunk")
}

func TestAckTimeoutFailsSession(t *testing.T) {
	data := make([]byte, 2*1024)
	transport := &fakeTransport{
		decide: func(c Chunk) (bool, bool) { return false, false }, // never ack
	}
	sess, err := runPipeline(t, "data.bin", data, Options{
		ChunkSize:   1024,
		MaxInflight: 2,
		AckTimeout:  100 * time.Millisecond,
	}, transport)

	var failure *FailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, session.ReasonAckTimeout, failure.Reason)
	assert.Equal(t, session.StateFailed, sess.State())
	assert.Zero(t, sess.Snapshot().BytesTransferred)
}

func TestCancellationStopsAtChunkBoundary(t *testing.T) {
	data := make([]byte, 8*1024)
	var sess *session.Session
	transport := &fakeTransport{}
	transport.decide = func(c Chunk) (bool, bool) {
		if c.Index == 0 {
			// Cancel while the first chunk is still in flight; emission must
			// stop at the next boundary.
			_, err := sess.Cancel()
			require.NoError(t, err)
		}
		return true, true
	}

	sess = session.New("s-1", "alice", "bob", "data.bin", int64(len(data)))
	require.NoError(t, sess.Activate())
	pl := NewPipeline(sess, transport, Options{ChunkSize: 1024, MaxInflight: 1})
	transport.pl = pl

	err := pl.Run(context.Background(), bytes.NewReader(data))
	require.NoError(t, err, "cancellation is not an error")
	assert.Equal(t, session.StateCancelled, sess.State())
	assert.Less(t, len(transport.delivered()), 8, "emission must not run to completion")
}

func TestCancelWhileDeliveryWindowFull(t *testing.T) {
	data := make([]byte, 4*1024)
	transport := &fakeTransport{
		decide: func(c Chunk) (bool, bool) { return false, false }, // hold every ack
	}
	sess := session.New("s-1", "alice", "bob", "data.bin", int64(len(data)))
	require.NoError(t, sess.Activate())
	pl := NewPipeline(sess, transport, Options{ChunkSize: 1024, MaxInflight: 1, AckTimeout: time.Minute})
	transport.pl = pl

	done := make(chan error, 1)
	go func() { done <- pl.Run(context.Background(), bytes.NewReader(data)) }()

	// Wait until the first chunk is in flight; with a window of one the
	// emitter is now parked waiting for a slot.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(transport.delivered()) == 0 {
		time.Sleep(time.Millisecond)
	}
	require.Len(t, transport.delivered(), 1)

	_, err := sess.Cancel()
	require.NoError(t, err)
	pl.Acknowledge(0, true) // lands after the terminal transition

	select {
	case err := <-done:
		require.NoError(t, err, "cancellation is not an error")
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cooperative cancellation")
	}
	assert.Equal(t, session.StateCancelled, sess.State())
}

func TestCancelWithoutAcksUnblocksEmitter(t *testing.T) {
	data := make([]byte, 4*1024)
	transport := &fakeTransport{
		decide: func(c Chunk) (bool, bool) { return false, false },
	}
	sess := session.New("s-1", "alice", "bob", "data.bin", int64(len(data)))
	require.NoError(t, sess.Activate())
	pl := NewPipeline(sess, transport, Options{ChunkSize: 1024, MaxInflight: 1, AckTimeout: 400 * time.Millisecond})
	transport.pl = pl

	done := make(chan error, 1)
	go func() { done <- pl.Run(context.Background(), bytes.NewReader(data)) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(transport.delivered()) == 0 {
		time.Sleep(time.Millisecond)
	}
	require.Len(t, transport.delivered(), 1)

	// No ack ever arrives; the watchdog tick must still notice the
	// terminal session and release the parked emitter.
	_, err := sess.Cancel()
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cooperative cancellation")
	}
	assert.Equal(t, session.StateCancelled, sess.State())
}

func TestEmptyFileCompletesWithoutChunks(t *testing.T) {
	transport := &fakeTransport{}
	sess, err := runPipeline(t, "empty.txt", nil, Options{ChunkSize: 1024}, transport)
	require.NoError(t, err)
	assert.Equal(t, session.StateCompleted, sess.State())
	assert.Empty(t, transport.delivered())
}

func TestRunRequiresActiveSession(t *testing.T) {
	sess := session.New("s-1", "alice", "bob", "data.bin", 10)
	pl := NewPipeline(sess, &fakeTransport{}, Options{})
	err := pl.Run(context.Background(), bytes.NewReader(make([]byte, 10)))
	assert.ErrorIs(t, err, session.ErrInvalidTransition)
}

func TestDefaultChunkSizeTiers(t *testing.T) {
	assert.Equal(t, int64(256*1024), DefaultChunkSize(512*1024))
	assert.Equal(t, int64(512*1024), DefaultChunkSize(5*1024*1024))
	assert.Equal(t, int64(1024*1024), DefaultChunkSize(50*1024*1024))
	assert.Equal(t, int64(4*1024*1024), DefaultChunkSize(512*1024*1024))
	assert.Equal(t, int64(8*1024*1024), DefaultChunkSize(2*1024*1024*1024))
}
