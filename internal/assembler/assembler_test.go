package assembler

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filebeam/filebeam/internal/storage"
)

func newAssembler(t *testing.T) (*Assembler, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewLocalStorage(filepath.Join(dir, "chunks"))
	require.NoError(t, err)
	outputDir := filepath.Join(dir, "out")
	asm, err := New(store, outputDir)
	require.NoError(t, err)
	return asm, outputDir
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestFinalizeWritesChunksInOrder(t *testing.T) {
	asm, outputDir := newAssembler(t)

	content := []byte("first chunk|second chunk|third chunk")
	parts := [][]byte{content[:12], content[12:25], content[25:]}

	// Stage out of order; Finalize must still assemble by index.
	require.NoError(t, asm.StageChunk("s-1", 2, parts[2]))
	require.NoError(t, asm.StageChunk("s-1", 0, parts[0]))
	require.NoError(t, asm.StageChunk("s-1", 1, parts[1]))

	path, err := asm.Finalize("s-1", "report.txt", digestOf(content), int64(len(content)))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outputDir, "report.txt"), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
}

func TestFinalizeRejectsGap(t *testing.T) {
	asm, _ := newAssembler(t)

	require.NoError(t, asm.StageChunk("s-1", 0, []byte("aaaa")))
	require.NoError(t, asm.StageChunk("s-1", 2, []byte("cccc")))

	_, err := asm.Finalize("s-1", "broken.txt", "", 12)
	assert.ErrorContains(t, err, "gap")
}

func TestFinalizeRejectsSizeMismatch(t *testing.T) {
	asm, _ := newAssembler(t)

	require.NoError(t, asm.StageChunk("s-1", 0, []byte("aaaa")))

	_, err := asm.Finalize("s-1", "short.txt", "", 8)
	assert.ErrorContains(t, err, "size")
}

func TestFinalizeRejectsDigestMismatch(t *testing.T) {
	asm, outputDir := newAssembler(t)

	require.NoError(t, asm.StageChunk("s-1", 0, []byte("aaaa")))

	_, err := asm.Finalize("s-1", "tampered.txt", digestOf([]byte("bbbb")), 4)
	assert.ErrorContains(t, err, "digest")

	_, statErr := os.Stat(filepath.Join(outputDir, "tampered.txt"))
	assert.True(t, os.IsNotExist(statErr), "output of a failed verification is removed")
}

func TestFinalizeStripsDirectoryFromFileName(t *testing.T) {
	asm, outputDir := newAssembler(t)

	require.NoError(t, asm.StageChunk("s-1", 0, []byte("data")))

	path, err := asm.Finalize("s-1", "nested/name.txt", digestOf([]byte("data")), 4)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outputDir, "name.txt"), path)
}

func TestIdenticalPayloadsAcrossSessionsStayIsolated(t *testing.T) {
	asm, _ := newAssembler(t)

	// Two sessions carry byte-identical chunks (same file to two receivers).
	content := []byte("shared payload")
	require.NoError(t, asm.StageChunk("s-a", 0, content))
	require.NoError(t, asm.StageChunk("s-b", 0, content))

	// Finalizing the first session cleans up its staged chunks; the second
	// session's copy must survive that cleanup.
	_, err := asm.Finalize("s-a", "a.txt", digestOf(content), int64(len(content)))
	require.NoError(t, err)

	path, err := asm.Finalize("s-b", "b.txt", digestOf(content), int64(len(content)))
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
}

func TestDiscardDoesNotTouchOtherSessions(t *testing.T) {
	asm, _ := newAssembler(t)

	content := []byte("shared payload")
	require.NoError(t, asm.StageChunk("s-a", 0, content))
	require.NoError(t, asm.StageChunk("s-b", 0, content))

	asm.Discard("s-a")

	path, err := asm.Finalize("s-b", "b.txt", digestOf(content), int64(len(content)))
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
}

func TestFinalizeDoesNotClobberSameFileName(t *testing.T) {
	asm, outputDir := newAssembler(t)

	first := []byte("first delivery")
	second := []byte("second delivery")
	require.NoError(t, asm.StageChunk("s-a", 0, first))
	require.NoError(t, asm.StageChunk("s-b", 0, second))

	pathA, err := asm.Finalize("s-a", "report.txt", digestOf(first), int64(len(first)))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outputDir, "report.txt"), pathA)

	pathB, err := asm.Finalize("s-b", "report.txt", digestOf(second), int64(len(second)))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outputDir, "report-s-b.txt"), pathB)

	gotA, err := os.ReadFile(pathA)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first, gotA), "earlier delivery must be untouched")

	gotB, err := os.ReadFile(pathB)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(second, gotB))
}

func TestDiscardDropsStagedChunks(t *testing.T) {
	asm, _ := newAssembler(t)

	require.NoError(t, asm.StageChunk("s-1", 0, []byte("aaaa")))
	asm.Discard("s-1")

	// Nothing staged any more: a zero-size finalize succeeds with no chunks.
	_, err := asm.Finalize("s-1", "gone.txt", "", 4)
	assert.ErrorContains(t, err, "size")
}
