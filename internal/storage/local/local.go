// Package local provides read access to cloud folder contents on the local
// filesystem. Paths handed to it must already have been resolved and checked
// by vfs.Resolver; the backend does no containment checks of its own.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"path/filepath"
	"syscall"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"

	"github.com/fruitsalade/homecloud/internal/apperr"
)

// Backend reads files and directories through an afero filesystem.
type Backend struct {
	fs afero.Fs
}

// New creates a backend over the operating system filesystem.
func New() *Backend {
	return &Backend{fs: afero.NewOsFs()}
}

// NewWithFs creates a backend over fsys.
func NewWithFs(fsys afero.Fs) *Backend {
	return &Backend{fs: fsys}
}

// Stat returns metadata for path, following symlinks.
func (b *Backend) Stat(path string) (fs.FileInfo, error) {
	info, err := b.fs.Stat(path)
	if err != nil {
		return nil, mapErr("stat", err)
	}
	return info, nil
}

// ReadDir returns the immediate children of dir, unsorted. Symlinks are
// reported as such; callers decide whether to follow them.
func (b *Backend) ReadDir(dir string) ([]fs.FileInfo, error) {
	f, err := b.fs.Open(dir)
	if err != nil {
		return nil, mapErr("open dir", err)
	}
	defer f.Close()

	infos, err := f.Readdir(-1)
	if err != nil {
		return nil, mapErr("read dir", err)
	}
	return infos, nil
}

// Object is an open file, possibly restricted to a byte range.
type Object struct {
	io.ReadCloser
	// ContentType is derived from the extension, or sniffed from the first
	// bytes when the extension is unknown.
	ContentType string
	// Length is the number of bytes the reader will yield.
	Length int64
}

// GetObject opens path and positions it at offset. A positive length limits
// the reader to that many bytes. The returned reader fails with ctx.Err()
// once ctx is done, and must be closed by the caller.
func (b *Backend) GetObject(ctx context.Context, path string, offset, length int64) (*Object, error) {
	f, err := b.fs.Open(path)
	if err != nil {
		return nil, mapErr("open", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mapErr("stat", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, apperr.New(apperr.IsADirectory, "the requested path is a directory")
	}
	totalSize := info.Size()

	ct, err := contentType(f, path)
	if err != nil {
		f.Close()
		return nil, mapErr("sniff", err)
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, mapErr("seek", err)
		}
	}

	obj := &Object{ContentType: ct}
	if length > 0 {
		obj.ReadCloser = &ctxReadCloser{ctx: ctx, r: io.LimitReader(f, length), c: f}
		obj.Length = length
		return obj, nil
	}

	returnSize := totalSize - offset
	if returnSize < 0 {
		returnSize = 0
	}
	obj.ReadCloser = &ctxReadCloser{ctx: ctx, r: f, c: f}
	obj.Length = returnSize
	return obj, nil
}

// contentType leaves f positioned at the start.
func contentType(f afero.File, path string) (string, error) {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct, nil
	}
	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return mt.String(), nil
}

type ctxReadCloser struct {
	ctx context.Context
	r   io.Reader
	c   io.Closer
}

func (rc *ctxReadCloser) Read(p []byte) (int, error) {
	if err := rc.ctx.Err(); err != nil {
		return 0, err
	}
	return rc.r.Read(p)
}

func (rc *ctxReadCloser) Close() error {
	return rc.c.Close()
}

func mapErr(op string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		return apperr.Wrap(apperr.PathNotFound, "the requested resource was not found", err)
	case errors.Is(err, syscall.EISDIR):
		return apperr.Wrap(apperr.IsADirectory, "the requested path is a directory", err)
	default:
		return apperr.Wrap(apperr.IoFailure, op, fmt.Errorf("%s: %w", op, err))
	}
}
