package evidence

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// MaxRecordingBytes bounds a single upload.
const MaxRecordingBytes = 20 << 20

var (
	ErrTooLarge        = errors.New("recording exceeds the upload limit")
	ErrUnsupportedType = errors.New("unsupported audio content type")
	ErrInvalidRef      = errors.New("invalid evidence reference")
)

var extensions = map[string]string{
	"audio/webm":  ".webm",
	"audio/ogg":   ".ogg",
	"audio/mpeg":  ".mp3",
	"audio/mp4":   ".m4a",
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
}

// FileStore keeps recordings in a single directory.
type FileStore struct {
	dir string
	now func() time.Time
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create evidence dir: %w", err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

// Save writes the recording and returns its reference (a file name).
// PRE: contentType is a supported audio type
// POST: the file is complete before the ref is returned
func (s *FileStore) Save(episodeID, contentType string, r io.Reader) (string, error) {
	mediaType := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	ext, ok := extensions[strings.ToLower(mediaType)]
	if !ok {
		return "", ErrUnsupportedType
	}
	if episodeID == "" || strings.ContainsAny(episodeID, `/\.`) {
		return "", ErrInvalidRef
	}

	ref := episodeID + "-" + strconv.FormatInt(s.now().UnixNano(), 10) + ext
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create evidence file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(r, MaxRecordingBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("write evidence: %w", err)
	}
	if n > MaxRecordingBytes {
		return "", ErrTooLarge
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, ref)); err != nil {
		return "", fmt.Errorf("store evidence: %w", err)
	}
	return ref, nil
}

// Open returns the recording for ref.
func (s *FileStore) Open(ref string) (*os.File, error) {
	if ref == "" || ref != filepath.Base(ref) || strings.HasPrefix(ref, ".") {
		return nil, ErrInvalidRef
	}
	return os.Open(filepath.Join(s.dir, ref))
}

// ContentType returns the media type implied by a ref's extension.
func ContentType(ref string) string {
	ext := filepath.Ext(ref)
	for ct, e := range extensions {
		if e == ext && ct != "audio/x-wav" {
			return ct
		}
	}
	return "application/octet-stream"
}
