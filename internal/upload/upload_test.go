package upload

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func newTestStorage(t *testing.T, maxBytes int64) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "uploads"), maxBytes)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2025, 6, 1, 14, 30, 5, 0, time.UTC) }
	return s
}

func TestSecureFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"photo.png", "photo.png"},
		{"My Photo.JPG", "My_Photo.JPG"},
		{"../../etc/passwd.png", "etc_passwd.png"},
		{`C:\Users\me\scan.jpeg`, "C_Users_me_scan.jpeg"},
		{"şəkil 1.png", "skil_1.png"},
		{"résumé.gif", "resume.gif"},
		{"...", ""},
		{"   ", ""},
		{"a$b%c.webp", "abc.webp"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SecureFilename(tt.in))
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	s := newTestStorage(t, 1<<20)

	name, err := s.Save("My Sketch.png", bytes.NewReader(pngBytes))
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^20250601_143005_[0-9a-f-]{8}_My_Sketch\.png$`), name)

	path, err := s.Path(name)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)

	img, err := s.Load(name)
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.MIMEType)
	assert.Equal(t, pngBytes, img.Data)
}

func TestSaveSameSecondNoCollision(t *testing.T) {
	s := newTestStorage(t, 0)
	a, err := s.Save("x.png", bytes.NewReader(pngBytes))
	require.NoError(t, err)
	b, err := s.Save("x.png", bytes.NewReader(pngBytes))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSaveRejects(t *testing.T) {
	s := newTestStorage(t, 16)

	_, err := s.Save("script.exe", strings.NewReader("MZ"))
	assert.ErrorIs(t, err, ErrNotAllowed)

	_, err = s.Save("...", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = s.Save("big.png", bytes.NewReader(make([]byte, 17)))
	assert.ErrorIs(t, err, ErrTooLarge)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected uploads leave no files behind")
}

func TestLoadNotImage(t *testing.T) {
	s := newTestStorage(t, 0)
	name, err := s.Save("notes.png", strings.NewReader("just some text, not a picture"))
	require.NoError(t, err)

	_, err = s.Load(name)
	assert.True(t, errors.Is(err, ErrNotImage), "got %v", err)
}

func TestPathRejectsTraversal(t *testing.T) {
	s := newTestStorage(t, 0)
	for _, name := range []string{"", "../secret.png", "a/b.png", ".hidden"} {
		_, err := s.Path(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
	_, err := s.Load("missing.png")
	assert.Error(t, err)
}
