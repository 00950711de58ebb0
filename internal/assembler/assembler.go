package assembler

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/filebeam/filebeam/internal/storage"
)

// chunkRef points at one staged chunk payload.
type chunkRef struct {
	index   int
	storeID string
	size    int64
}

// Assembler stages acknowledged chunk payloads per session and reassembles
// them into the output file once the session completes. Staged payloads are
// ephemeral and removed after reassembly or discard.
type Assembler struct {
	store     storage.Storage
	outputDir string

	mu       sync.Mutex
	sessions map[string][]chunkRef
}

func New(store storage.Storage, outputDir string) (*Assembler, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Assembler{
		store:     store,
		outputDir: outputDir,
		sessions:  make(map[string][]chunkRef),
	}, nil
}

// StageChunk stores one decoded chunk payload for a session. Payloads are
// staged under the session's own scope so identical content carried by two
// concurrent sessions never shares a staged file.
func (a *Assembler) StageChunk(sessionID string, index int, plaintext []byte) error {
	id, err := a.store.Put(sessionID, bytes.NewReader(plaintext))
	if err != nil {
		return fmt.Errorf("failed to stage chunk %d: %w", index, err)
	}

	a.mu.Lock()
	a.sessions[sessionID] = append(a.sessions[sessionID], chunkRef{
		index:   index,
		storeID: id,
		size:    int64(len(plaintext)),
	})
	a.mu.Unlock()
	return nil
}

// Finalize writes the session's chunks to the output file in index order,
// verifies the aggregate digest and the declared size, and removes the staged
// payloads. Returns the path of the assembled file.
func (a *Assembler) Finalize(sessionID, fileName, wantDigest string, totalSize int64) (string, error) {
	a.mu.Lock()
	refs := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()

	sort.Slice(refs, func(i, j int) bool { return refs[i].index < refs[j].index })

	// The chunk sequence must be contiguous and gap-free at completion.
	var written int64
	for i, ref := range refs {
		if ref.index != i {
			a.cleanup(refs)
			return "", fmt.Errorf("chunk sequence has a gap at index %d", i)
		}
		written += ref.size
	}
	if written != totalSize {
		a.cleanup(refs)
		return "", fmt.Errorf("assembled size %d does not match declared size %d", written, totalSize)
	}

	// Never clobber an earlier delivery of the same file name; fall back to a
	// session-suffixed name on collision.
	outPath := filepath.Join(a.outputDir, filepath.Base(fileName))
	outFile, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if os.IsExist(err) {
		ext := filepath.Ext(fileName)
		stem := strings.TrimSuffix(filepath.Base(fileName), ext)
		outPath = filepath.Join(a.outputDir, stem+"-"+sessionID+ext)
		outFile, err = os.Create(outPath)
	}
	if err != nil {
		a.cleanup(refs)
		return "", fmt.Errorf("failed to create output file %s: %w", outPath, err)
	}
	defer outFile.Close()

	digest := sha256.New()
	for _, ref := range refs {
		data, err := a.readChunk(ref.storeID)
		if err != nil {
			a.cleanup(refs)
			return "", err
		}
		digest.Write(data)
		if _, err := outFile.Write(data); err != nil {
			a.cleanup(refs)
			return "", fmt.Errorf("failed to write chunk %d: %w", ref.index, err)
		}
	}

	a.cleanup(refs)

	if got := hex.EncodeToString(digest.Sum(nil)); wantDigest != "" && got != wantDigest {
		os.Remove(outPath)
		return "", fmt.Errorf("file digest mismatch: expected %s, got %s", wantDigest, got)
	}

	logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"file":       outPath,
		"bytes":      written,
	}).Info("File reassembled")
	return outPath, nil
}

// Discard drops any staged chunks for a terminated session.
func (a *Assembler) Discard(sessionID string) {
	a.mu.Lock()
	refs := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	a.cleanup(refs)
}

func (a *Assembler) readChunk(id string) ([]byte, error) {
	rc, err := a.store.Get(id)
	if err != nil {
		return nil, fmt.Errorf("failed to read staged chunk %s: %w", id, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read staged chunk %s: %w", id, err)
	}
	return data, nil
}

func (a *Assembler) cleanup(refs []chunkRef) {
	for _, ref := range refs {
		if err := a.store.Delete(ref.storeID); err != nil {
			logrus.WithField("chunk", ref.storeID).Warnf("Failed to delete staged chunk: %v", err)
		}
	}
}
