package uploads

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Brownie44l1/lesion-api/internal/imaging"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("upload too large")
	ErrEmptyName       = errors.New("missing file name")
)

var allowedExtensions = map[string]bool{
	"png":  true,
	"jpg":  true,
	"jpeg": true,
	"webp": true,
}

var allowedMIMETypes = []string{"image/png", "image/jpeg", "image/webp"}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Allowed reports whether the file name carries one of the accepted image
// extensions.
func Allowed(name string) bool {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return false
	}
	return allowedExtensions[strings.ToLower(name[i+1:])]
}

// SecureFilename reduces a client supplied name to a flat ASCII file name
// that is safe to join onto the upload directory.
func SecureFilename(name string) string {
	var b strings.Builder
	for _, r := range norm.NFKD.String(name) {
		if r < 0x80 {
			b.WriteRune(r)
		}
	}
	name = b.String()

	name = strings.NewReplacer("/", " ", "\\", " ").Replace(name)
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeChars.ReplaceAllString(name, "")
	return strings.Trim(name, "._")
}

type Upload struct {
	Name      string
	Path      string
	ThumbName string
}

// Store keeps uploaded images and their display thumbnails in one directory.
type Store struct {
	Dir         string
	MaxBytes    int64
	ThumbWidth  int
	ThumbHeight int
}

func NewStore(dir string, maxBytes int64, thumbWidth, thumbHeight int) (*Store, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("max upload size must be positive, got %d", maxBytes)
	}
	if thumbWidth <= 0 || thumbHeight <= 0 {
		return nil, fmt.Errorf("invalid thumbnail size %dx%d", thumbWidth, thumbHeight)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	return &Store{Dir: dir, MaxBytes: maxBytes, ThumbWidth: thumbWidth, ThumbHeight: thumbHeight}, nil
}

// Save writes the upload under a unique name and renders its thumbnail. The
// content must sniff as an accepted image type regardless of the extension.
func (s *Store) Save(name string, r io.Reader) (*Upload, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if !Allowed(name) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, filepath.Ext(name))
	}

	data, err := io.ReadAll(io.LimitReader(r, s.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(data)) > s.MaxBytes {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.MaxBytes)
	}

	mtype := mimetype.Detect(data)
	if !mimetype.EqualsAny(mtype.String(), allowedMIMETypes...) {
		return nil, fmt.Errorf("%w: content is %s", ErrUnsupportedType, mtype.String())
	}

	safe := SecureFilename(name)
	if safe == "" || !Allowed(safe) {
		safe = "upload" + mtype.Extension()
	}
	stored := uuid.New().String() + "_" + safe
	path := filepath.Join(s.Dir, stored)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	thumbName := "thumb_" + strings.TrimSuffix(stored, filepath.Ext(stored)) + ".jpg"
	if err := imaging.Thumbnail(path, filepath.Join(s.Dir, thumbName), s.ThumbWidth, s.ThumbHeight); err != nil {
		os.Remove(path)
		return nil, err
	}

	slog.Info("stored upload", "name", stored, "bytes", len(data), "type", mtype.String())
	return &Upload{Name: stored, Path: path, ThumbName: thumbName}, nil
}

// Path resolves a stored file name, refusing anything that is not a plain
// name inside the store.
func (s *Store) Path(name string) (string, bool) {
	if name == "" || name != filepath.Base(name) || SecureFilename(name) != name {
		return "", false
	}
	path := filepath.Join(s.Dir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}
