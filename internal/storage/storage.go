// Package storage defines the FileStore interface used to hand finished
// transcripts to an external store, with local-disk and S3 backends.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
)

// FileStore is a minimal interface for file-oriented storage.
//
// Paths are forward-slash separated and relative to the store root.
// Implementations must be safe for concurrent use.
type FileStore interface {
	// Read opens the named file for reading.
	// If the file does not exist, an error wrapping os.ErrNotExist is returned.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write opens the named file for writing, truncating an existing file.
	// The caller must close the returned WriteCloser to flush data.
	Write(ctx context.Context, path string) (io.WriteCloser, error)

	// Delete removes the named file. Missing files are not an error.
	Delete(ctx context.Context, path string) error

	// Exists reports whether the named file exists.
	Exists(ctx context.Context, path string) (bool, error)

	// URL returns the externally meaningful location of path.
	URL(path string) string
}

// Put writes data to path in one call.
func Put(ctx context.Context, fs FileStore, path string, data []byte) error {
	w, err := fs.Write(ctx, path)
	if err != nil {
		return fmt.Errorf("storage: open %s: %w", path, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("storage: write %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage: close %s: %w", path, err)
	}
	return nil
}

// TranscriptDir is the directory holding stored transcripts.
const TranscriptDir = "transcripts"

// Transcripts stores finished session transcripts on a FileStore.
type Transcripts struct {
	fs      FileStore
	backend string
}

// NewTranscripts wraps fs; backend names the store in logs and metrics.
func NewTranscripts(fs FileStore, backend string) *Transcripts {
	return &Transcripts{fs: fs, backend: backend}
}

// Backend returns the backend name.
func (t *Transcripts) Backend() string {
	return t.backend
}

// Save writes the structured transcript of sessionID and returns its URL.
func (t *Transcripts) Save(ctx context.Context, sessionID string, data []byte) (string, error) {
	p := TranscriptPath(sessionID)
	if err := Put(ctx, t.fs, p, data); err != nil {
		return "", err
	}
	return t.fs.URL(p), nil
}

// TranscriptPath returns the store path of a session transcript.
func TranscriptPath(sessionID string) string {
	return path.Join(TranscriptDir, sessionID+".json")
}
