// Package storage is the object store for uploaded audio. Blobs live as
// flat files under a single directory, keyed by UUID; the registry only ever
// sees the opaque AudioRef.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/audiod/audiod/internal/job"
	"github.com/audiod/audiod/internal/wav"
)

var (
	// ErrTooLarge is returned when an upload exceeds the configured cap.
	ErrTooLarge = errors.New("audio file too large")
	// ErrUnsupportedFormat is returned for uploads outside the allow-list.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// Store writes and serves audio blobs from a local directory.
type Store struct {
	dir      string
	maxBytes int64
	formats  map[string]bool
}

// New creates the blob directory if needed. formats is the lower-case
// extension allow-list (without dots).
func New(dir string, maxBytes int64, formats []string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	set := make(map[string]bool, len(formats))
	for _, f := range formats {
		set[strings.ToLower(f)] = true
	}
	return &Store{dir: dir, maxBytes: maxBytes, formats: set}, nil
}

// Put streams an upload to disk and returns its handle. The upload is
// rejected before any analyzer sees it when the extension is not allowed or
// the size cap is exceeded.
func (s *Store) Put(r io.Reader, filename string) (job.AudioRef, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if !s.formats[ext] {
		return job.AudioRef{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	key := uuid.New().String() + "." + ext
	path := filepath.Join(s.dir, key)

	f, err := os.Create(path)
	if err != nil {
		return job.AudioRef{}, fmt.Errorf("create blob: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(r, s.maxBytes+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return job.AudioRef{}, fmt.Errorf("write blob: %w", err)
	}
	if n > s.maxBytes {
		os.Remove(path)
		return job.AudioRef{}, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, s.maxBytes)
	}

	ref := job.AudioRef{Key: key, Format: ext, Size: n}
	if ext == "wav" {
		// Best effort; non-PCM WAVs simply report no duration.
		if g, err := os.Open(path); err == nil {
			if dur, err := wav.ProbeDuration(g); err == nil {
				ref.Duration = dur
			}
			g.Close()
		}
	}
	return ref, nil
}

// Open returns the blob contents for reading.
func (s *Store) Open(ref job.AudioRef) (io.ReadCloser, error) {
	path, err := s.Path(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", ref.Key, err)
	}
	return f, nil
}

// Path resolves the absolute file path for a handle, for analyzers that
// shell out to external tools.
func (s *Store) Path(ref job.AudioRef) (string, error) {
	if ref.Key == "" || filepath.Base(ref.Key) != ref.Key {
		return "", fmt.Errorf("invalid blob key %q", ref.Key)
	}
	return filepath.Join(s.dir, ref.Key), nil
}

// Remove deletes the blob. Missing blobs are not an error.
func (s *Store) Remove(ref job.AudioRef) error {
	path, err := s.Path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob %s: %w", ref.Key, err)
	}
	return nil
}
