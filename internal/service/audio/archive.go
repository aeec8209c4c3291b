package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const fileRefScheme = "file://"

// Archive stores the complete audio of a session.
type Archive interface {
	Create(sessionID string, format Format) (Recording, error)
}

// Recording receives a session's audio. Commit finalizes it and returns
// a reference a batch transcriber can resolve.
type Recording interface {
	io.Writer
	Bytes() int64
	Commit() (string, error)
	Abort() error
}

// FileArchive writes one WAV file per session under a directory.
type FileArchive struct {
	dir string
}

// NewFileArchive creates dir if needed.
func NewFileArchive(dir string) (*FileArchive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio archive dir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &FileArchive{dir: abs}, nil
}

// Create opens <dir>/<sessionID>.wav for writing, truncating any previous
// recording of the same session.
func (a *FileArchive) Create(sessionID string, format Format) (Recording, error) {
	name := filepath.Base(filepath.Clean(sessionID))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return nil, fmt.Errorf("invalid session id %q", sessionID)
	}
	path := filepath.Join(a.dir, name+".wav")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	// Placeholder header, rewritten with the data size on Commit.
	if err := WriteWAVHeader(f, format, 0); err != nil {
		f.Close()
		return nil, err
	}
	return &fileRecording{f: f, path: path, format: format}, nil
}

type fileRecording struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	format Format
	n      int64
	done   bool
}

func (r *fileRecording) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return 0, errors.New("recording closed")
	}
	n, err := r.f.Write(p)
	r.n += int64(n)
	return n, err
}

func (r *fileRecording) Bytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func (r *fileRecording) Commit() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return "", errors.New("recording closed")
	}
	r.done = true
	if _, err := r.f.Seek(0, io.SeekStart); err != nil {
		r.f.Close()
		return "", err
	}
	if err := WriteWAVHeader(r.f, r.format, uint32(r.n)); err != nil {
		r.f.Close()
		return "", err
	}
	if err := r.f.Close(); err != nil {
		return "", err
	}
	return fileRefScheme + r.path, nil
}

func (r *fileRecording) Abort() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	r.done = true
	r.f.Close()
	return os.Remove(r.path)
}

// OpenRef opens a file:// audio reference and returns the PCM reader
// positioned after the WAV header, plus the audio format.
func OpenRef(ref string) (io.ReadCloser, Format, error) {
	path, ok := strings.CutPrefix(ref, fileRefScheme)
	if !ok {
		return nil, Format{}, fmt.Errorf("unsupported audio reference %q", ref)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, Format{}, fmt.Errorf("open audio: %w", err)
	}
	format, err := ReadWAVHeader(f)
	if err != nil {
		f.Close()
		return nil, Format{}, err
	}
	return f, format, nil
}

// IsFileRef reports whether ref points at a local archive file.
func IsFileRef(ref string) bool {
	return strings.HasPrefix(ref, fileRefScheme)
}
