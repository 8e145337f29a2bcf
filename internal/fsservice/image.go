package fsservice

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"

	"github.com/ehrlich-b/bridgeagent/internal/apperr"
)

// imageUpload tracks an in-flight chunked image transfer.
type imageUpload struct {
	sessionID string
	filename  string
	totalSize int
	chunks    map[int][]byte
}

// ImageReceiver reassembles chunked image:start/chunk/complete uploads
// into temp files (spec §4.12's image:* handlers). Grounded in the
// teacher's sandbox temp-dir idiom (internal/sandbox/fallback.go's
// os.MkdirTemp) generalized to a per-upload scratch directory.
type ImageReceiver struct {
	mu      sync.Mutex
	uploads map[string]*imageUpload
}

// NewImageReceiver creates an empty receiver.
func NewImageReceiver() *ImageReceiver {
	return &ImageReceiver{uploads: make(map[string]*imageUpload)}
}

// Start registers a new transfer.
func (r *ImageReceiver) Start(transferID, sessionID, filename string, totalSize int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploads[transferID] = &imageUpload{
		sessionID: sessionID,
		filename:  filename,
		totalSize: totalSize,
		chunks:    make(map[int][]byte),
	}
}

// Chunk appends a base64-encoded chunk at chunkIndex.
func (r *ImageReceiver) Chunk(transferID string, chunkIndex int, dataB64 string) error {
	decoded, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		return apperr.Wrap(apperr.IOError, "decode chunk", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	up, ok := r.uploads[transferID]
	if !ok {
		return apperr.New(apperr.IOError, "unknown transfer: "+transferID)
	}
	up.chunks[chunkIndex] = decoded
	return nil
}

// Complete assembles all chunks in index order, writes them to a
// restrictively-permissioned temp file, and returns its path. The
// transfer is forgotten afterward regardless of outcome.
func (r *ImageReceiver) Complete(transferID string) (sessionID, filePath string, err error) {
	r.mu.Lock()
	up, ok := r.uploads[transferID]
	delete(r.uploads, transferID)
	r.mu.Unlock()
	if !ok {
		return "", "", apperr.New(apperr.IOError, "unknown transfer: "+transferID)
	}

	var buf bytes.Buffer
	for i := 0; i < len(up.chunks); i++ {
		chunk, ok := up.chunks[i]
		if !ok {
			return "", "", apperr.New(apperr.IOError, "missing chunk index")
		}
		buf.Write(chunk)
	}

	dir, err := os.MkdirTemp("", "bridgeagent-image-*")
	if err != nil {
		return "", "", apperr.Wrap(apperr.IOError, "mkdtemp", err)
	}
	filePath = filepath.Join(dir, filepath.Base(up.filename))
	if err := os.WriteFile(filePath, buf.Bytes(), 0o600); err != nil {
		return "", "", apperr.Wrap(apperr.IOError, "write image", err)
	}
	return up.sessionID, filePath, nil
}
