package storage

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/audiod/audiod/internal/job"
)

func newTestStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	s, err := New(t.TempDir(), maxBytes, []string{"wav", "mp3"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestPutAndOpen(t *testing.T) {
	s := newTestStore(t, 1<<20)

	payload := []byte("fake audio bytes")
	ref, err := s.Put(bytes.NewReader(payload), "meeting.mp3")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ref.Format != "mp3" {
		t.Errorf("Format = %q, want %q", ref.Format, "mp3")
	}
	if ref.Size != int64(len(payload)) {
		t.Errorf("Size = %d, want %d", ref.Size, len(payload))
	}
	if !strings.HasSuffix(ref.Key, ".mp3") {
		t.Errorf("Key = %q, want .mp3 suffix", ref.Key)
	}

	rc, err := s.Open(ref)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("blob contents = %q, want %q", got, payload)
	}
}

func TestPut_UnsupportedFormat(t *testing.T) {
	s := newTestStore(t, 1<<20)

	_, err := s.Put(bytes.NewReader([]byte("x")), "notes.txt")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Put error = %v, want ErrUnsupportedFormat", err)
	}

	_, err = s.Put(bytes.NewReader([]byte("x")), "noextension")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Put error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestPut_TooLarge(t *testing.T) {
	s := newTestStore(t, 10)

	_, err := s.Put(bytes.NewReader(make([]byte, 11)), "big.wav")
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Put error = %v, want ErrTooLarge", err)
	}

	// The partial file must not be left behind.
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("storage dir has %d entries after rejected upload, want 0", len(entries))
	}
}

func TestPut_ExactLimit(t *testing.T) {
	s := newTestStore(t, 10)

	ref, err := s.Put(bytes.NewReader(make([]byte, 10)), "fits.wav")
	if err != nil {
		t.Fatalf("Put at exact limit: %v", err)
	}
	if ref.Size != 10 {
		t.Errorf("Size = %d, want 10", ref.Size)
	}
}

func TestPath_RejectsTraversal(t *testing.T) {
	s := newTestStore(t, 1<<20)

	for _, key := range []string{"", "../etc/passwd", "a/b.wav"} {
		if _, err := s.Path(job.AudioRef{Key: key}); err == nil {
			t.Errorf("Path(%q): expected error, got nil", key)
		}
	}
}

func TestRemove(t *testing.T) {
	s := newTestStore(t, 1<<20)

	ref, err := s.Put(bytes.NewReader([]byte("bytes")), "clip.wav")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Remove(ref); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Open(ref); err == nil {
		t.Error("Open after Remove succeeded, want error")
	}
	// Removing twice is not an error.
	if err := s.Remove(ref); err != nil {
		t.Errorf("second Remove: %v", err)
	}
}
