package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/homecloud/internal/auth"
)

func do(t *testing.T, h http.Handler, method, target, body string, setup func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	if setup != nil {
		setup(r)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func bearer(tok string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) }
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHandlerStatusAndHealth(t *testing.T) {
	f := newFixture(t)
	h := f.server(t, "home", 3000, "").Handler()

	for _, target := range []string{"/api", "/api/", "/api/status"} {
		w := do(t, h, http.MethodGet, target, "", nil)
		require.Equal(t, http.StatusOK, w.Code, target)
		var st Status
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
		assert.Equal(t, Status{Cloud: "home", Folders: []string{"docs"}}, st)
		assert.NotContains(t, w.Body.String(), f.docs)
	}

	w := do(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestHandlerSecurityHeaders(t *testing.T) {
	f := newFixture(t)
	h := f.server(t, "home", 3000, "").Handler()

	w := do(t, h, http.MethodGet, "/api/status", "", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestHandlerLoginCookieFlow(t *testing.T) {
	f := newFixture(t)
	h := f.server(t, "home", 3000, "").Handler()

	w := do(t, h, http.MethodPost, "/api/login", `{"password":"wrong"}`, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "InvalidCredentials", string(decodeError(t, w).Error))

	w = do(t, h, http.MethodPost, "/api/login", `not json`, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, h, http.MethodPost, "/api/login", `{"password":"`+testPassword+`"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tok struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tok))
	assert.NotEmpty(t, tok.Token)
	assert.NotEmpty(t, tok.ExpiresAt)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, auth.CookieName(3000), cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	w = do(t, h, http.MethodGet, "/api/docs/files/notes", "", func(r *http.Request) { r.AddCookie(cookies[0]) })
	require.Equal(t, http.StatusOK, w.Code)
	var listing Listing
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.Len(t, listing.Entries, 1)
	assert.Equal(t, "today.txt", listing.Entries[0].Name)

	w = do(t, h, http.MethodPost, "/api/logout", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, w.Result().Cookies(), 1)
	assert.Equal(t, -1, w.Result().Cookies()[0].MaxAge)
}

func TestHandlerRequiresAuth(t *testing.T) {
	f := newFixture(t)
	h := f.server(t, "home", 3000, "").Handler()

	for _, target := range []string{"/api/docs", "/api/docs/files", "/api/docs/files/notes", "/api/docs/static/a.txt"} {
		w := do(t, h, http.MethodGet, target, "", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code, target)
		body := decodeError(t, w)
		assert.Equal(t, "Unauthorized", string(body.Error))
		assert.NotEmpty(t, body.Message)
	}
}

func TestHandlerCrossPortTokenRejected(t *testing.T) {
	f := newFixture(t)
	a := f.server(t, "home", 3000, "")
	b := f.server(t, "home", 3001, "")
	tok := login(t, a)

	w := do(t, a.Handler(), http.MethodGet, "/api/docs/files", "", bearer(tok))
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, b.Handler(), http.MethodGet, "/api/docs/files", "", bearer(tok))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// A cookie named for port 3000 means nothing to port 3001.
	w = do(t, b.Handler(), http.MethodGet, "/api/docs/files", "", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: auth.CookieName(3000), Value: tok})
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandlerFolderAndErrors(t *testing.T) {
	f := newFixture(t)
	s := f.server(t, "home", 3000, "")
	h := s.Handler()
	tok := login(t, s)

	w := do(t, h, http.MethodGet, "/api/docs", "", bearer(tok))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cloud":"home","folder":"docs","total_folders":1}`, w.Body.String())

	tests := []struct {
		target string
		code   int
		kind   string
	}{
		{"/api/music", http.StatusNotFound, "FolderNotFound"},
		{"/api/music/files", http.StatusNotFound, "FolderNotFound"},
		{"/api/docs/files/nope", http.StatusNotFound, "PathNotFound"},
		{"/api/docs/static/notes", http.StatusConflict, "IsADirectory"},
		{"/api/docs/files/a%00b", http.StatusBadRequest, "InvalidSegment"},
		{"/nowhere", http.StatusNotFound, "PathNotFound"},
	}
	for _, tt := range tests {
		w := do(t, h, http.MethodGet, tt.target, "", bearer(tok))
		require.Equal(t, tt.code, w.Code, tt.target)
		assert.Equal(t, tt.kind, string(decodeError(t, w).Error), tt.target)
	}
}

func TestHandlerEmptyDirectory(t *testing.T) {
	f := newFixture(t)
	s := f.server(t, "home", 3000, "")
	tok := login(t, s)

	w := do(t, s.Handler(), http.MethodGet, "/api/docs/files/empty", "", bearer(tok))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"folder":"docs","path":"empty","type":"directory","items":[]}`, w.Body.String())
}

func TestHandlerStatic(t *testing.T) {
	f := newFixture(t)
	s := f.server(t, "home", 3000, "")
	h := s.Handler()
	tok := login(t, s)

	w := do(t, h, http.MethodGet, "/api/docs/static/notes/today.txt", "", bearer(tok))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello world", w.Body.String())
	assert.Equal(t, "11", w.Header().Get("Content-Length"))
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	assert.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))
	assert.NotEmpty(t, w.Header().Get("Last-Modified"))
	assert.Empty(t, w.Header().Get("Content-Disposition"))

	w = do(t, h, http.MethodGet, "/api/docs/static/notes/today.txt", "", func(r *http.Request) {
		bearer(tok)(r)
		r.Header.Set("Range", "bytes=0-4")
	})
	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.Equal(t, "bytes 0-4/11", w.Header().Get("Content-Range"))
	assert.Equal(t, "5", w.Header().Get("Content-Length"))

	w = do(t, h, http.MethodGet, "/api/docs/static/notes/today.txt?download=1", "", bearer(tok))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `attachment; filename=today.txt`, w.Header().Get("Content-Disposition"))
}

func TestHandlerDotDotIsCleanedBeforeRouting(t *testing.T) {
	f := newFixture(t)
	s := f.server(t, "home", 3000, "")
	h := s.Handler()
	tok := login(t, s)

	w := do(t, h, http.MethodGet, "/api/docs/files/notes/../../etc/passwd", "", bearer(tok))
	require.Equal(t, http.StatusMovedPermanently, w.Code)
	loc := w.Header().Get("Location")
	assert.Equal(t, "/api/docs/etc/passwd", loc)

	w = do(t, h, http.MethodGet, loc, "", bearer(tok))
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "PathNotFound", string(decodeError(t, w).Error))
	assert.NotContains(t, w.Body.String(), "root:")
}

func TestHandlerStaticRangePastEnd(t *testing.T) {
	f := newFixture(t)
	s := f.server(t, "home", 3000, "")
	tok := login(t, s)

	w := do(t, s.Handler(), http.MethodGet, "/api/docs/static/notes/today.txt", "", func(r *http.Request) {
		bearer(tok)(r)
		r.Header.Set("Range", "bytes=20-30")
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello world", w.Body.String())
	assert.Empty(t, w.Header().Get("Content-Range"))
}
