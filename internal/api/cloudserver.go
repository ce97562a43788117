// Package api serves one cloud: the request façade (status, folder info,
// listings, file reads) and the HTTP handler mounted on the cloud's port.
package api

import (
	"context"
	"io"
	"io/fs"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/maruel/natural"
	"go.uber.org/zap"

	"github.com/fruitsalade/homecloud/internal/apperr"
	"github.com/fruitsalade/homecloud/internal/auth"
	"github.com/fruitsalade/homecloud/internal/cloud"
	"github.com/fruitsalade/homecloud/internal/logging"
	"github.com/fruitsalade/homecloud/internal/metrics"
	"github.com/fruitsalade/homecloud/internal/storage/local"
	"github.com/fruitsalade/homecloud/internal/vfs"
)

// Listing orders.
const (
	OrderName    = "name"
	OrderNatural = "natural"
)

// Options configures a CloudServer.
type Options struct {
	Auth     *auth.Manager
	Resolver *vfs.Resolver
	Storage  *local.Backend
	// Order is OrderName (byte-wise) or OrderNatural ("file2" before
	// "file10"). Directories always come first.
	Order string
}

// CloudServer answers requests for a single cloud.
type CloudServer struct {
	cloud    *cloud.Cloud
	auth     *auth.Manager
	resolver *vfs.Resolver
	storage  *local.Backend
	order    string
}

// NewCloudServer creates the façade for c.
func NewCloudServer(c *cloud.Cloud, opts Options) *CloudServer {
	s := &CloudServer{
		cloud:    c,
		auth:     opts.Auth,
		resolver: opts.Resolver,
		storage:  opts.Storage,
		order:    opts.Order,
	}
	if s.resolver == nil {
		s.resolver = vfs.NewResolver(0)
	}
	if s.storage == nil {
		s.storage = local.New()
	}
	if s.order == "" {
		s.order = OrderName
	}
	return s
}

// Cloud returns the cloud being served.
func (s *CloudServer) Cloud() *cloud.Cloud { return s.cloud }

// Status is the unauthenticated summary of a cloud.
type Status struct {
	Cloud   string   `json:"cloud"`
	Folders []string `json:"folders"`
}

// FolderInfo describes one folder of a cloud.
type FolderInfo struct {
	Cloud        string `json:"cloud"`
	Folder       string `json:"folder"`
	TotalFolders int    `json:"total_folders"`
}

// Entry is one item of a listing.
type Entry struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	IsDirectory bool      `json:"is_directory"`
	Size        int64     `json:"size"`
	ModifiedAt  time.Time `json:"modified_at"`
	DownloadURL string    `json:"download_url,omitempty"`
}

// Listing is the result of ListFiles. Type is "directory" when Entries are
// the children of Path, or "file" when Path names a file and Entries holds
// its own description.
type Listing struct {
	Folder  string  `json:"folder"`
	Path    string  `json:"path"`
	Type    string  `json:"type"`
	Entries []Entry `json:"items"`
}

// Content is an open file ready to be streamed. The caller must Close it.
type Content struct {
	io.ReadCloser
	Name        string
	Size        int64
	ContentType string
	ModTime     time.Time
	Offset      int64
	Length      int64
	Partial     bool
}

// Status returns the cloud name and folder names. It never exposes folder
// roots.
func (s *CloudServer) Status() Status {
	return Status{Cloud: s.cloud.Name(), Folders: s.cloud.FolderNames()}
}

// FolderInfo returns metadata for folder after validating token.
func (s *CloudServer) FolderInfo(folder, token string) (FolderInfo, error) {
	if _, err := s.auth.Validate(s.cloud, token); err != nil {
		return FolderInfo{}, err
	}
	return s.folderInfo(folder)
}

// ListFiles validates token and lists subPath of folder.
func (s *CloudServer) ListFiles(ctx context.Context, folder, subPath, token string) (*Listing, error) {
	if _, err := s.auth.Validate(s.cloud, token); err != nil {
		return nil, err
	}
	return s.listFiles(ctx, folder, subPath)
}

// ReadFile validates token and opens subPath of folder. rangeHeader is the
// raw value of a Range request header, or "".
func (s *CloudServer) ReadFile(ctx context.Context, folder, subPath, token, rangeHeader string) (*Content, error) {
	if _, err := s.auth.Validate(s.cloud, token); err != nil {
		return nil, err
	}
	return s.readFile(ctx, folder, subPath, rangeHeader)
}

func (s *CloudServer) folderInfo(name string) (FolderInfo, error) {
	f, err := s.cloud.Folder(name)
	if err != nil {
		return FolderInfo{}, err
	}
	return FolderInfo{
		Cloud:        s.cloud.Name(),
		Folder:       f.Name,
		TotalFolders: len(s.cloud.FolderNames()),
	}, nil
}

func (s *CloudServer) resolve(folder, subPath string) (cloud.Folder, *vfs.Resolved, error) {
	f, err := s.cloud.Folder(folder)
	if err != nil {
		return cloud.Folder{}, nil, err
	}
	res, err := s.resolver.Resolve(f.Root, subPath)
	if err != nil {
		kind := apperr.KindOf(err)
		if kind == apperr.InvalidSegment || kind == apperr.PathEscapesRoot {
			metrics.RecordPathRejection(s.cloud.Name(), string(kind))
			logging.Warn("path rejected",
				zap.String("cloud", s.cloud.Name()),
				zap.String("folder", f.Name),
				zap.String("kind", string(kind)))
		}
		return cloud.Folder{}, nil, err
	}
	return f, res, nil
}

func (s *CloudServer) listFiles(ctx context.Context, folder, subPath string) (*Listing, error) {
	listing, err := s.buildListing(ctx, folder, subPath)
	metrics.RecordListing(s.cloud.Name(), err == nil)
	return listing, err
}

func (s *CloudServer) buildListing(ctx context.Context, folder, subPath string) (*Listing, error) {
	f, res, err := s.resolve(folder, subPath)
	if err != nil {
		return nil, err
	}

	info, err := s.storage.Stat(res.Absolute)
	if err != nil {
		return nil, err
	}

	listing := &Listing{Folder: f.Name, Path: res.Rel()}
	if !info.IsDir() {
		listing.Type = "file"
		listing.Entries = []Entry{s.entry(f.Name, res.Rel(), info)}
		return listing, nil
	}
	listing.Type = "directory"

	children, err := s.storage.ReadDir(res.Absolute)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(children))
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel := path.Join(res.Rel(), child.Name())
		if child.Mode()&fs.ModeSymlink != 0 {
			target, err := s.resolver.Resolve(res.Root, rel)
			if err != nil {
				if apperr.Is(err, apperr.PathEscapesRoot) || apperr.Is(err, apperr.PathNotFound) {
					logging.Debug("listing skipped symlink",
						zap.String("cloud", s.cloud.Name()),
						zap.String("folder", f.Name),
						zap.String("kind", string(apperr.KindOf(err))))
					continue
				}
				return nil, err
			}
			if child, err = s.storage.Stat(target.Absolute); err != nil {
				return nil, err
			}
		}
		entries = append(entries, s.entry(f.Name, rel, child))
	}
	sortEntries(entries, s.order)
	listing.Entries = entries
	return listing, nil
}

func (s *CloudServer) entry(folder, rel string, info fs.FileInfo) Entry {
	e := Entry{
		Name:        info.Name(),
		Path:        rel,
		IsDirectory: info.IsDir(),
		ModifiedAt:  info.ModTime().UTC(),
	}
	if rel != "" {
		e.Name = path.Base(rel)
	}
	if !e.IsDirectory {
		e.Size = info.Size()
		e.DownloadURL = downloadURL(folder, rel)
	}
	return e
}

func sortEntries(entries []Entry, order string) {
	less := func(a, b string) bool { return a < b }
	if order == OrderNatural {
		less = natural.Less
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDirectory != entries[j].IsDirectory {
			return entries[i].IsDirectory
		}
		return less(entries[i].Name, entries[j].Name)
	})
}

func downloadURL(folder, rel string) string {
	segs := strings.Split(rel, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return "/api/" + url.PathEscape(folder) + "/static/" + strings.Join(segs, "/")
}

func (s *CloudServer) readFile(ctx context.Context, folder, subPath, rangeHeader string) (*Content, error) {
	_, res, err := s.resolve(folder, subPath)
	if err != nil {
		return nil, err
	}

	info, err := s.storage.Stat(res.Absolute)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, apperr.New(apperr.IsADirectory, "the requested path is a directory")
	}
	totalSize := info.Size()

	offset, length, partial := parseRangeHeader(rangeHeader, totalSize)
	var limit int64
	if partial {
		limit = length
	}

	obj, err := s.storage.GetObject(ctx, res.Absolute, offset, limit)
	if err != nil {
		return nil, err
	}

	return &Content{
		ReadCloser:  obj,
		Name:        path.Base(res.Rel()),
		Size:        totalSize,
		ContentType: obj.ContentType,
		ModTime:     info.ModTime(),
		Offset:      offset,
		Length:      obj.Length,
		Partial:     partial,
	}, nil
}
