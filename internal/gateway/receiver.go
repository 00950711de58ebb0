package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/filebeam/filebeam/internal/chunker"
	"github.com/filebeam/filebeam/internal/compressor"
	"github.com/filebeam/filebeam/internal/encryptor"
	"github.com/filebeam/filebeam/internal/session"
)

// localReceiver is the in-process receiver side of a transfer: it decodes
// each delivered chunk, verifies the chunk checksum, stages the plaintext for
// reassembly, and acknowledges delivery back to the pipeline. A checksum
// mismatch is acknowledged negatively, which fails the owning session.
type localReceiver struct {
	gw       *Gateway
	snap     session.Snapshot
	password string
	enc      encryptor.Encryptor
	ack      func(index int, ok bool)
}

func (gw *Gateway) newLocalReceiver(snap session.Snapshot, password string, ack func(index int, ok bool)) chunker.Transport {
	return &localReceiver{
		gw:       gw,
		snap:     snap,
		password: password,
		enc:      encryptor.NewEncryptor(),
		ack:      ack,
	}
}

func (r *localReceiver) Send(ctx context.Context, c chunker.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload := c.Payload
	if c.Sealed {
		opened, err := r.enc.Decrypt(payload, r.password)
		if err != nil {
			r.reject(c, fmt.Errorf("unseal failed: %w", err))
			return nil
		}
		payload = opened
	}
	if c.Compressed {
		plain, err := compressor.DecompressChunk(payload)
		if err != nil {
			r.reject(c, fmt.Errorf("decompress failed: %w", err))
			return nil
		}
		payload = plain
	}

	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != c.Checksum {
		r.reject(c, fmt.Errorf("checksum mismatch"))
		return nil
	}

	if err := r.gw.asm.StageChunk(c.SessionID, c.Index, payload); err != nil {
		return fmt.Errorf("failed to stage chunk %d: %w", c.Index, err)
	}

	r.ack(c.Index, true)
	return nil
}

func (r *localReceiver) reject(c chunker.Chunk, cause error) {
	logrus.WithFields(logrus.Fields{
		"session_id": c.SessionID,
		"chunk":      c.Index,
	}).Warnf("Chunk rejected: %v", cause)
	r.ack(c.Index, false)
}
