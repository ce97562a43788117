package api

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/fruitsalade/homecloud/internal/apperr"
	"github.com/fruitsalade/homecloud/internal/auth"
	"github.com/fruitsalade/homecloud/internal/cloud"
	"github.com/fruitsalade/homecloud/internal/logging"
	"github.com/fruitsalade/homecloud/internal/vfs"
)

const testPassword = "correct horse"

func init() {
	logging.InitNop()
}

type fixture struct {
	base    string
	docs    string
	manager *auth.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	docs := filepath.Join(base, "docs")
	outside := filepath.Join(base, "outside")

	for _, dir := range []string{
		filepath.Join(docs, "notes"),
		filepath.Join(docs, "empty"),
		filepath.Join(docs, "photos"),
		outside,
	} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	writeFile(t, filepath.Join(docs, "notes", "today.txt"), "hello world")
	writeFile(t, filepath.Join(docs, "b.txt"), "bbb")
	writeFile(t, filepath.Join(docs, "a.txt"), "a")
	writeFile(t, filepath.Join(outside, "secret.txt"), "top secret")

	m, err := auth.New([]byte("api-test-secret"), time.Hour)
	require.NoError(t, err)
	return &fixture{base: base, docs: docs, manager: m}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (f *fixture) server(t *testing.T, name string, port int, order string) *CloudServer {
	t.Helper()
	folder, err := cloud.NewFolder("docs", f.docs)
	require.NoError(t, err)
	hash, err := auth.HashPassword(testPassword, bcrypt.MinCost)
	require.NoError(t, err)
	c, err := cloud.New(cloud.Options{
		Name:         name,
		Port:         port,
		PasswordHash: hash,
		Folders:      []cloud.Folder{folder},
	})
	require.NoError(t, err)
	return NewCloudServer(c, Options{
		Auth:     f.manager,
		Resolver: vfs.NewResolver(0),
		Order:    order,
	})
}

func login(t *testing.T, s *CloudServer) string {
	t.Helper()
	tok, err := s.auth.Issue(s.Cloud(), testPassword)
	require.NoError(t, err)
	return tok.Value
}

func names(l *Listing) []string {
	out := make([]string, 0, len(l.Entries))
	for _, e := range l.Entries {
		out = append(out, e.Name)
	}
	return out
}

func TestStatusNeedsNoAuth(t *testing.T) {
	f := newFixture(t)
	s := f.server(t, "home", 3000, "")

	st := s.Status()
	assert.Equal(t, "home", st.Cloud)
	assert.Equal(t, []string{"docs"}, st.Folders)
}

func TestFolderInfo(t *testing.T) {
	f := newFixture(t)
	s := f.server(t, "home", 3000, "")
	tok := login(t, s)

	info, err := s.FolderInfo("docs", tok)
	require.NoError(t, err)
	assert.Equal(t, FolderInfo{Cloud: "home", Folder: "docs", TotalFolders: 1}, info)

	_, err = s.FolderInfo("music", tok)
	assert.True(t, apperr.Is(err, apperr.FolderNotFound))

	_, err = s.FolderInfo("docs", "")
	assert.True(t, apperr.Is(err, apperr.Unauthorized))
}

func TestNotesScenario(t *testing.T) {
	f := newFixture(t)
	s := f.server(t, "home", 3000, "")
	tok := login(t, s)
	ctx := context.Background()

	listing, err := s.ListFiles(ctx, "docs", "notes", tok)
	require.NoError(t, err)
	assert.Equal(t, "directory", listing.Type)
	require.Len(t, listing.Entries, 1)
	e := listing.Entries[0]
	assert.Equal(t, "today.txt", e.Name)
	assert.Equal(t, "notes/today.txt", e.Path)
	assert.False(t, e.IsDirectory)
	assert.Equal(t, int64(11), e.Size)
	assert.Equal(t, "/api/docs/static/notes/today.txt", e.DownloadURL)

	content, err := s.ReadFile(ctx, "docs", "notes/today.txt", tok, "")
	require.NoError(t, err)
	defer content.Close()
	data, err := io.ReadAll(content)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.Equal(t, int64(11), content.Length)
	assert.Equal(t, "today.txt", content.Name)
	assert.False(t, content.Partial)
}

func TestListFilesOrdering(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.docs, "file10.txt"), "")
	writeFile(t, filepath.Join(f.docs, "file2.txt"), "")
	tok := login(t, f.server(t, "home", 3000, ""))

	byName, err := f.server(t, "home", 3000, OrderName).ListFiles(context.Background(), "docs", "", tok)
	require.NoError(t, err)
	assert.Equal(t, []string{"empty", "notes", "photos", "a.txt", "b.txt", "file10.txt", "file2.txt"}, names(byName))

	nat, err := f.server(t, "home", 3000, OrderNatural).ListFiles(context.Background(), "docs", "", tok)
	require.NoError(t, err)
	assert.Equal(t, []string{"empty", "notes", "photos", "a.txt", "b.txt", "file2.txt", "file10.txt"}, names(nat))
}

func TestListFilesEmptyDirectory(t *testing.T) {
	f := newFixture(t)
	s := f.server(t, "home", 3000, "")
	tok := login(t, s)

	listing, err := s.ListFiles(context.Background(), "docs", "empty", tok)
	require.NoError(t, err)
	require.NotNil(t, listing.Entries)
	assert.Empty(t, listing.Entries)

	data, err := json.Marshal(listing)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"items":[]`)
}

func TestListFilesIdempotent(t *testing.T) {
	f := newFixture(t)
	s := f.server(t, "home", 3000, "")
	tok := login(t, s)

	first, err := s.ListFiles(context.Background(), "docs", "", tok)
	require.NoError(t, err)
	second, err := s.ListFiles(context.Background(), "docs", "", tok)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestListFilesOnFile(t *testing.T) {
	f := newFixture(t)
	s := f.server(t, "home", 3000, "")
	tok := login(t, s)

	listing, err := s.ListFiles(context.Background(), "docs", "notes/today.txt", tok)
	require.NoError(t, err)
	assert.Equal(t, "file", listing.Type)
	require.Len(t, listing.Entries, 1)
	assert.Equal(t, "today.txt", listing.Entries[0].Name)
	assert.Equal(t, int64(11), listing.Entries[0].Size)
}

func TestListFilesRejections(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Symlink(filepath.Join(f.base, "outside"), filepath.Join(f.docs, "escape")))
	s := f.server(t, "home", 3000, "")
	tok := login(t, s)
	ctx := context.Background()

	tests := []struct {
		name    string
		folder  string
		subPath string
		token   string
		kind    apperr.Kind
	}{
		{"dot dot", "docs", "../outside/secret.txt", tok, apperr.InvalidSegment},
		{"nested dot dot", "docs", "notes/../../outside", tok, apperr.InvalidSegment},
		{"symlink escape", "docs", "escape", tok, apperr.PathEscapesRoot},
		{"through symlink", "docs", "escape/secret.txt", tok, apperr.PathEscapesRoot},
		{"missing", "docs", "nope", tok, apperr.PathNotFound},
		{"unknown folder", "music", "", tok, apperr.FolderNotFound},
		{"no token", "docs", "", "", apperr.Unauthorized},
		{"bad token", "docs", "", "not-a-token", apperr.Unauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ListFiles(ctx, tt.folder, tt.subPath, tt.token)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))

			content, err := s.ReadFile(ctx, tt.folder, tt.subPath, tt.token, "")
			if content != nil {
				content.Close()
			}
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
}

func TestListingSkipsEscapingSymlinks(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Symlink(filepath.Join(f.base, "outside"), filepath.Join(f.docs, "escape")))
	require.NoError(t, os.Symlink(filepath.Join(f.base, "outside", "secret.txt"), filepath.Join(f.docs, "leak.txt")))
	require.NoError(t, os.Symlink(filepath.Join(f.docs, "gone"), filepath.Join(f.docs, "dangling")))
	require.NoError(t, os.Symlink(filepath.Join(f.docs, "notes"), filepath.Join(f.docs, "shortcut")))
	s := f.server(t, "home", 3000, "")
	tok := login(t, s)

	listing, err := s.ListFiles(context.Background(), "docs", "", tok)
	require.NoError(t, err)
	assert.Equal(t, []string{"empty", "notes", "photos", "shortcut", "a.txt", "b.txt"}, names(listing))

	var shortcut Entry
	for _, e := range listing.Entries {
		if e.Name == "shortcut" {
			shortcut = e
		}
	}
	assert.True(t, shortcut.IsDirectory)
	assert.Equal(t, "shortcut", shortcut.Path)
}

func TestReadFileDirectory(t *testing.T) {
	f := newFixture(t)
	s := f.server(t, "home", 3000, "")
	tok := login(t, s)

	_, err := s.ReadFile(context.Background(), "docs", "notes", tok, "")
	assert.True(t, apperr.Is(err, apperr.IsADirectory))

	_, err = s.ReadFile(context.Background(), "docs", "", tok, "")
	assert.True(t, apperr.Is(err, apperr.IsADirectory))
}

func TestReadFileRange(t *testing.T) {
	f := newFixture(t)
	s := f.server(t, "home", 3000, "")
	tok := login(t, s)

	content, err := s.ReadFile(context.Background(), "docs", "notes/today.txt", tok, "bytes=6-10")
	require.NoError(t, err)
	defer content.Close()
	data, err := io.ReadAll(content)
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
	assert.True(t, content.Partial)
	assert.Equal(t, int64(6), content.Offset)
	assert.Equal(t, int64(5), content.Length)
	assert.Equal(t, int64(11), content.Size)
}

func TestReadFileRechecksContainment(t *testing.T) {
	f := newFixture(t)
	s := f.server(t, "home", 3000, "")
	tok := login(t, s)
	ctx := context.Background()

	content, err := s.ReadFile(ctx, "docs", "notes/today.txt", tok, "")
	require.NoError(t, err)
	content.Close()

	// Swap the directory for a symlink pointing outside the root.
	notes := filepath.Join(f.docs, "notes")
	require.NoError(t, os.RemoveAll(notes))
	require.NoError(t, os.MkdirAll(filepath.Join(f.base, "outside", "notes-copy"), 0o755))
	writeFile(t, filepath.Join(f.base, "outside", "notes-copy", "today.txt"), "leaked")
	require.NoError(t, os.Symlink(filepath.Join(f.base, "outside", "notes-copy"), notes))

	_, err = s.ReadFile(ctx, "docs", "notes/today.txt", tok, "")
	assert.True(t, apperr.Is(err, apperr.PathEscapesRoot))
}

func TestFolderRootSwappedForSymlink(t *testing.T) {
	f := newFixture(t)
	s := f.server(t, "home", 3000, "")
	tok := login(t, s)
	ctx := context.Background()

	require.NoError(t, os.RemoveAll(f.docs))
	require.NoError(t, os.Symlink(filepath.Join(f.base, "outside"), f.docs))

	content, err := s.ReadFile(ctx, "docs", "secret.txt", tok, "")
	if content != nil {
		content.Close()
	}
	assert.Nil(t, content)
	assert.True(t, apperr.Is(err, apperr.PathEscapesRoot), "got %v", err)

	listing, err := s.ListFiles(ctx, "docs", "", tok)
	assert.Nil(t, listing)
	assert.True(t, apperr.Is(err, apperr.PathEscapesRoot), "got %v", err)
}

func TestParseRangeHeader(t *testing.T) {
	tests := []struct {
		header  string
		size    int64
		offset  int64
		length  int64
		partial bool
	}{
		{"", 100, 0, 100, false},
		{"bytes=0-9", 100, 0, 10, true},
		{"bytes=90-", 100, 90, 10, true},
		{"bytes=-20", 100, 80, 20, true},
		{"bytes=-200", 100, 0, 100, true},
		{"bytes=50-500", 100, 50, 50, true},
		{"bytes=10-5", 100, 0, 100, false},
		{"bytes=-", 100, 0, 100, false},
		{"bytes=0-1,5-6", 100, 0, 100, false},
		{"items=0-1", 100, 0, 100, false},
		{"bytes=0-1", 0, 0, 0, false},
		{"bytes=100-", 100, 0, 100, false},
		{"bytes=150-200", 100, 0, 100, false},
		{"bytes=99-", 100, 99, 1, true},
	}
	for _, tt := range tests {
		offset, length, partial := parseRangeHeader(tt.header, tt.size)
		assert.Equal(t, tt.offset, offset, tt.header)
		assert.Equal(t, tt.length, length, tt.header)
		assert.Equal(t, tt.partial, partial, tt.header)
	}
}

func TestDownloadURLEscapes(t *testing.T) {
	assert.Equal(t, "/api/my%20docs/static/a%20b/c%3Fd.txt", downloadURL("my docs", "a b/c?d.txt"))
}
