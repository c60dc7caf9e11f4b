package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ArchiveRoot is the directory, relative to the data dir and to the
// ingestion service's storage, that per-task folders live under.
const ArchiveRoot = "event-capture-archives"

// VideoFileName is the name of the video artifact inside a task folder.
const VideoFileName = "video.webm"

// ErrInvalidPath is returned for paths that would escape the persister's
// directory.
var ErrInvalidPath = errors.New("invalid path")

// FilePersister will persist files. It abstracts away the where and how of
// writing files to the source destination.
type FilePersister interface {
	Persist(ctx context.Context, path string, data io.Reader) error
}

// LocalFilePersister will persist files below Dir on the local disk.
type LocalFilePersister struct {
	Dir string
}

// Abs returns the absolute location of path below Dir.
func (l *LocalFilePersister) Abs(path string) (string, error) {
	cp := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(cp) || cp == ".." || strings.HasPrefix(cp, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", path, ErrInvalidPath)
	}
	return filepath.Join(l.Dir, cp), nil
}

// Persist will write the contents of data to path below Dir, replacing any
// existing file.
func (l *LocalFilePersister) Persist(_ context.Context, path string, data io.Reader) (err error) {
	cp, err := l.Abs(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(cp)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating a local directory %q: %w", dir, err)
	}

	f, err := os.OpenFile(cp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating a local file %q: %w", cp, err)
	}
	defer func() {
		tempErr := f.Close()
		// Only return the close error if there isn't already an existing error.
		if tempErr != nil && err == nil {
			err = fmt.Errorf("closing the local file %q: %w", cp, tempErr)
		}
	}()

	_, err = io.Copy(f, data)

	return
}

// Open opens a previously persisted file.
func (l *LocalFilePersister) Open(path string) (*os.File, error) {
	cp, err := l.Abs(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(cp) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", cp, err)
	}
	return f, nil
}

// FolderISO formats an epoch millisecond timestamp the way task folders are
// named: an ISO 8601 UTC time with ':' and '.' replaced by '-'.
func FolderISO(ms int64) string {
	iso := time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z")
	return strings.NewReplacer(":", "-", ".", "-").Replace(iso)
}

// ValidFolder reports whether folder is a single safe path element.
func ValidFolder(folder string) bool {
	return folder != "" && folder != "." && folder != ".." &&
		!strings.ContainsAny(folder, `/\`) && !strings.Contains(folder, "..")
}

// ArchivePath returns the slash separated path of name inside a task folder.
func ArchivePath(folder, name string) string {
	return ArchiveRoot + "/" + folder + "/" + name
}
