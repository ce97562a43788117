// Package vfs maps client-supplied slash paths onto a folder root and
// guarantees the result stays inside that root.
//
// Resolution is done from scratch on every call. Nothing is cached, because
// the filesystem may change between requests (a directory swapped for a
// symlink, a folder root removed).
package vfs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fruitsalade/homecloud/internal/apperr"
)

// DefaultMaxSegmentLen matches the usual NAME_MAX of local filesystems.
const DefaultMaxSegmentLen = 255

// Resolved is the result of a successful resolution. It is valid for the
// request that produced it only.
type Resolved struct {
	// Root is the canonical folder root used for the containment check.
	Root string
	// Segments are the cleaned path components, in order.
	Segments []string
	// Absolute is the canonical filesystem path of the target.
	Absolute string
}

// Rel returns the slash-separated path of the request relative to the root,
// "" for the root itself.
func (r *Resolved) Rel() string {
	return strings.Join(r.Segments, "/")
}

// IsRoot reports whether the request targeted the folder root.
func (r *Resolved) IsRoot() bool {
	return len(r.Segments) == 0
}

// Resolver validates and resolves requested paths.
type Resolver struct {
	MaxSegmentLen int
}

// NewResolver returns a resolver that rejects segments longer than
// maxSegmentLen bytes. Zero or negative selects DefaultMaxSegmentLen.
func NewResolver(maxSegmentLen int) *Resolver {
	if maxSegmentLen <= 0 {
		maxSegmentLen = DefaultMaxSegmentLen
	}
	return &Resolver{MaxSegmentLen: maxSegmentLen}
}

// Segments splits requested into validated components. Empty and "."
// components are dropped; ".." and malformed components are rejected.
func (r *Resolver) Segments(requested string) ([]string, error) {
	limit := r.MaxSegmentLen
	if limit <= 0 {
		limit = DefaultMaxSegmentLen
	}

	parts := strings.Split(requested, "/")
	segments := make([]string, 0, len(parts))
	for _, seg := range parts {
		switch {
		case seg == "" || seg == ".":
			continue
		case seg == "..":
			return nil, apperr.New(apperr.InvalidSegment, "path must not contain '..' segments")
		case strings.ContainsRune(seg, 0):
			return nil, apperr.New(apperr.InvalidSegment, "path contains a null byte")
		case len(seg) > limit:
			return nil, apperr.New(apperr.InvalidSegment, "path segment too long")
		case os.PathSeparator != '/' && strings.ContainsRune(seg, os.PathSeparator):
			return nil, apperr.New(apperr.InvalidSegment, "path segment contains a separator")
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// Resolve joins requested onto root, canonicalizes the result and checks it
// is root itself or lies beneath it. root must be the canonical path recorded
// when the folder was configured; if it no longer canonicalizes to itself
// (replaced by a symlink, say) the request is refused.
func (r *Resolver) Resolve(root, requested string) (*Resolved, error) {
	segments, err := r.Segments(requested)
	if err != nil {
		return nil, err
	}

	canonRoot := filepath.Clean(root)
	current, err := canonicalize(canonRoot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.Wrap(apperr.PathNotFound, "folder root is not available", err)
		}
		return nil, apperr.Wrap(apperr.IoFailure, "resolve folder root", err)
	}
	if current != canonRoot {
		return nil, apperr.New(apperr.PathEscapesRoot, "folder root has moved")
	}

	joined := filepath.Join(append([]string{canonRoot}, segments...)...)
	target, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if isNotFound(err) {
			if escapesThroughMissing(canonRoot, segments) {
				return nil, apperr.New(apperr.PathEscapesRoot, "path escapes the folder root")
			}
			return nil, apperr.Wrap(apperr.PathNotFound, "the requested resource was not found", err)
		}
		return nil, apperr.Wrap(apperr.IoFailure, "resolve path", err)
	}
	target = filepath.Clean(target)

	if !Within(canonRoot, target) {
		return nil, apperr.New(apperr.PathEscapesRoot, "path escapes the folder root")
	}

	return &Resolved{
		Root:     canonRoot,
		Segments: segments,
		Absolute: target,
	}, nil
}

// Within reports whether target equals root or is nested under it. Both
// paths must already be canonical.
func Within(root, target string) bool {
	if target == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(target, prefix)
}

// Canonicalize returns the absolute, symlink-free, cleaned form of p.
func Canonicalize(p string) (string, error) {
	return canonicalize(p)
}

func canonicalize(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return filepath.Clean(resolved), nil
}

// isNotFound treats a file used as a directory component like a missing
// path.
func isNotFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// escapesThroughMissing handles targets that do not exist. It walks back to
// the deepest ancestor that does resolve and reports an escape if that
// ancestor is outside root, or if the first missing component is a dangling
// symlink whose target lies outside root.
func escapesThroughMissing(root string, segments []string) bool {
	for i := len(segments) - 1; i >= 0; i-- {
		parent := filepath.Join(append([]string{root}, segments[:i]...)...)
		canonParent, err := filepath.EvalSymlinks(parent)
		if err != nil {
			continue
		}
		if !Within(root, canonParent) {
			return true
		}

		next := filepath.Join(canonParent, segments[i])
		info, err := os.Lstat(next)
		if err != nil || info.Mode()&fs.ModeSymlink == 0 {
			return false
		}
		link, err := os.Readlink(next)
		if err != nil {
			return false
		}
		if !filepath.IsAbs(link) {
			link = filepath.Join(canonParent, link)
		}
		return !Within(root, filepath.Clean(link))
	}
	return false
}
