// Package upload stores answer images on disk under collision-resistant names.
package upload

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/vagifmammadli/finalexam/internal/llm"
)

var (
	ErrNotAllowed  = errors.New("file type not allowed")
	ErrInvalidName = errors.New("invalid file name")
	ErrTooLarge    = errors.New("file too large")
	ErrNotImage    = errors.New("file is not an image")
)

// AllowedExtensions are the accepted image extensions, lower case without dot.
var AllowedExtensions = map[string]bool{
	"png":  true,
	"jpg":  true,
	"jpeg": true,
	"gif":  true,
	"webp": true,
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Storage writes uploads into one directory.
type Storage struct {
	dir      string
	maxBytes int64
	now      func() time.Time
}

// New creates the upload directory if needed. maxBytes <= 0 disables the size limit.
func New(dir string, maxBytes int64) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Storage{dir: dir, maxBytes: maxBytes, now: time.Now}, nil
}

// Dir returns the upload directory.
func (s *Storage) Dir() string {
	return s.dir
}

// Save writes r under a name derived from originalName and returns the stored name.
func (s *Storage) Save(originalName string, r io.Reader) (string, error) {
	name := SecureFilename(originalName)
	if name == "" {
		return "", ErrInvalidName
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if !AllowedExtensions[ext] {
		return "", fmt.Errorf("%w: %q", ErrNotAllowed, ext)
	}

	stored := s.now().Format("20060102_150405_") + uuid.NewString()[:8] + "_" + name
	path := filepath.Join(s.dir, stored)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && s.maxBytes > 0 && n > s.maxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		os.Remove(path)
		if errors.Is(err, ErrTooLarge) {
			return "", err
		}
		return "", fmt.Errorf("write upload: %w", err)
	}
	return stored, nil
}

// Path returns the file path of a stored upload.
func (s *Storage) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", ErrInvalidName
	}
	return filepath.Join(s.dir, name), nil
}

// Load reads a stored upload as an image for the oracle.
func (s *Storage) Load(name string) (*llm.Image, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return nil, fmt.Errorf("%s: %w (%s)", name, ErrNotImage, mime)
	}
	return &llm.Image{Data: data, MIMEType: mime}, nil
}

// SecureFilename reduces a client-supplied file name to a safe ASCII name:
// accents are dropped, separators and whitespace become underscores, other
// characters are removed and leading or trailing dots and underscores trimmed.
func SecureFilename(name string) string {
	name = norm.NFKD.String(name)
	var b strings.Builder
	for _, r := range name {
		if r <= unicode.MaxASCII {
			b.WriteRune(r)
		}
	}
	name = b.String()
	name = strings.NewReplacer("/", " ", `\`, " ").Replace(name)
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeChars.ReplaceAllString(name, "")
	return strings.Trim(name, "._")
}
