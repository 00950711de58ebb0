package session

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(size int64) *Session {
	return New("s-1", "alice", "bob", "report.pdf", size)
}

func TestLifecycleHappyPath(t *testing.T) {
	s := newTestSession(100)
	assert.Equal(t, StatePending, s.State())

	require.NoError(t, s.Activate())
	assert.Equal(t, StateActive, s.State())

	_, err := s.AddBytes(60)
	require.NoError(t, err)
	_, err = s.AddBytes(40)
	require.NoError(t, err)

	require.NoError(t, s.Complete())
	assert.Equal(t, StateCompleted, s.State())

	snap := s.Snapshot()
	assert.Equal(t, int64(100), snap.BytesTransferred)
	assert.Equal(t, "completed", snap.Status)
	assert.False(t, snap.TerminatedAt.IsZero())
}

func TestBytesNeverExceedDeclaredSize(t *testing.T) {
	s := newTestSession(100)
	require.NoError(t, s.Activate())

	_, err := s.AddBytes(90)
	require.NoError(t, err)

	total, err := s.AddBytes(20)
	assert.ErrorIs(t, err, ErrByteOverflow)
	assert.Equal(t, int64(90), total, "overflowing add must not change the total")
}

func TestAddBytesRequiresActive(t *testing.T) {
	s := newTestSession(100)
	_, err := s.AddBytes(10)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCompleteRequiresAllBytes(t *testing.T) {
	s := newTestSession(100)
	require.NoError(t, s.Activate())
	_, err := s.AddBytes(50)
	require.NoError(t, err)

	assert.Error(t, s.Complete())
	assert.Equal(t, StateActive, s.State())
}

func TestNoTransitionOutOfTerminalState(t *testing.T) {
	s := newTestSession(10)
	require.NoError(t, s.Activate())
	require.NoError(t, s.Fail(ReasonConnectionLost))

	assert.ErrorIs(t, s.Activate(), ErrInvalidTransition)
	assert.ErrorIs(t, s.Complete(), ErrInvalidTransition)
	assert.ErrorIs(t, s.Fail(ReasonAckTimeout), ErrInvalidTransition)

	snap := s.Snapshot()
	assert.Equal(t, ReasonConnectionLost, snap.FailureReason, "first terminal reason must stick")
}

func TestFailFromPending(t *testing.T) {
	s := newTestSession(10)
	require.NoError(t, s.Fail(ReasonReceiverUnavailable))
	assert.Equal(t, StateFailed, s.State())
}

func TestCancelIsIdempotent(t *testing.T) {
	s := newTestSession(10)

	changed, err := s.Cancel()
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.Cancel()
	require.NoError(t, err)
	assert.False(t, changed, "second cancel must be a no-op")
	assert.Equal(t, StateCancelled, s.State())
}

func TestConcurrentCancelPerformsOneTransition(t *testing.T) {
	s := newTestSession(10)

	var wg sync.WaitGroup
	transitions := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := s.Cancel()
			if err == nil {
				transitions <- changed
			}
		}()
	}
	wg.Wait()
	close(transitions)

	performed := 0
	for changed := range transitions {
		if changed {
			performed++
		}
	}
	assert.Equal(t, 1, performed, "exactly one cancel call performs the transition")
}

func TestTerminalStates(t *testing.T) {
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateActive.Terminal())
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateCancelled.Terminal())
}

func TestSnapshotPercent(t *testing.T) {
	s := newTestSession(200)
	require.NoError(t, s.Activate())
	_, err := s.AddBytes(50)
	require.NoError(t, err)
	assert.InDelta(t, 25.0, s.Snapshot().Percent(), 0.001)

	empty := newTestSession(0)
	assert.Zero(t, empty.Snapshot().Percent())
}

func TestInvalidTransitionIsNotRetryable(t *testing.T) {
	s := newTestSession(10)
	_, err := s.Cancel()
	require.NoError(t, err)

	err = s.Activate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}
