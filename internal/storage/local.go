package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/catalog-ingest/internal/domain"
)

const (
	IncomingDir  = "incoming"
	ProcessedDir = "processed"
	ErrorsDir    = "errors"

	DefaultChunkSize = 8 * 1024

	timestampLayout = "20060102_150405"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// StoredFile describes an upload persisted under the incoming directory.
type StoredFile struct {
	Path string
	Size int64
}

// LocalStore keeps uploaded files on local disk under three directories:
// incoming, processed and errors.
type LocalStore struct {
	root  string
	now   func() time.Time
	newID func() string
	stat  func(name string) (os.FileInfo, error)
}

func NewLocalStore(root string) (*LocalStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("upload root is required")
	}

	s := &LocalStore{
		root:  filepath.Clean(root),
		now:   time.Now,
		newID: uuid.NewString,
		stat:  os.Stat,
	}
	if err := s.EnsureDirs(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *LocalStore) Root() string { return s.root }

func (s *LocalStore) EnsureDirs() error {
	for _, dir := range []string{IncomingDir, ProcessedDir, ErrorsDir} {
		if err := os.MkdirAll(filepath.Join(s.root, dir), 0o755); err != nil {
			return fmt.Errorf("create %s directory: %w", dir, err)
		}
	}
	return nil
}

// SanitizeName reduces a client-supplied file name to a safe base name.
func SanitizeName(name string) string {
	base := filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	base = unsafeNameChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._")
	if base == "" {
		return "upload.csv"
	}
	return base
}

// IncomingPath returns a unique destination for a new upload.
func (s *LocalStore) IncomingPath(name string) string {
	id := strings.ReplaceAll(s.newID(), "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	fileName := fmt.Sprintf("%s_%s_%s", s.now().UTC().Format(timestampLayout), id, SanitizeName(name))
	return filepath.Join(s.root, IncomingDir, fileName)
}

// SaveIncoming streams r to a new file under incoming in chunkSize writes
// and verifies the on-disk size. The partial file is removed on any error.
// maxBytes <= 0 disables the streamed size cap.
func (s *LocalStore) SaveIncoming(ctx context.Context, r io.Reader, name string, chunkSize int, maxBytes int64) (StoredFile, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	path := s.IncomingPath(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return StoredFile{}, fmt.Errorf("create upload file: %w", err)
	}

	written, err := copyChunks(ctx, f, r, chunkSize, maxBytes)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close upload file: %w", closeErr)
	}
	if err == nil {
		err = s.verifySize(path, written)
	}
	if err != nil {
		_ = s.Remove(path)
		return StoredFile{}, err
	}

	return StoredFile{Path: path, Size: written}, nil
}

func copyChunks(ctx context.Context, dst io.Writer, src io.Reader, chunkSize int, maxBytes int64) (int64, error) {
	buf := make([]byte, chunkSize)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if maxBytes > 0 && written+int64(n) > maxBytes {
				return written, fmt.Errorf("%w: exceeds %d bytes", domain.ErrFileTooLarge, maxBytes)
			}
			m, writeErr := dst.Write(buf[:n])
			written += int64(m)
			if writeErr != nil {
				return written, fmt.Errorf("write upload chunk: %w", writeErr)
			}
			if m != n {
				return written, fmt.Errorf("write upload chunk: %w", io.ErrShortWrite)
			}
		}
		if errors.Is(readErr, io.EOF) {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("read upload stream: %w", readErr)
		}
	}
}

// verifySize compares the on-disk size with the bytes copied.
func (s *LocalStore) verifySize(path string, want int64) error {
	info, err := s.stat(path)
	if err != nil {
		return fmt.Errorf("stat upload file: %w", err)
	}
	if info.Size() != want {
		return fmt.Errorf("%w: wrote %d bytes, found %d on disk", domain.ErrSizeMismatch, want, info.Size())
	}
	return nil
}

// Archive moves a file into processed (ok) or errors (!ok), prefixing the
// name with the archive timestamp, and returns the new path.
func (s *LocalStore) Archive(path string, ok bool) (string, error) {
	dir := ErrorsDir
	if ok {
		dir = ProcessedDir
	}

	dest := filepath.Join(s.root, dir, fmt.Sprintf("%s_%s", s.now().UTC().Format(timestampLayout), filepath.Base(path)))
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("archive %s: %w", filepath.Base(path), err)
	}
	return dest, nil
}

// Remove deletes a file. A missing file is not an error.
func (s *LocalStore) Remove(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	return nil
}
