package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/fruitsalade/homecloud/internal/apperr"
	"github.com/fruitsalade/homecloud/internal/auth"
	"github.com/fruitsalade/homecloud/internal/logging"
	"github.com/fruitsalade/homecloud/internal/metrics"
)

// Package-level compiled regex for Range header parsing.
var rangeRegex = regexp.MustCompile(`^bytes=(\d*)-(\d*)$`)

const maxLoginBody = 4 << 10

// Handler returns the HTTP handler for the cloud with logging, security
// header and metrics middleware applied.
func (s *CloudServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api", s.handleStatus)
	mux.HandleFunc("GET /api/{$}", s.handleStatus)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)

	// Protected endpoints
	mux.HandleFunc("GET /api/{folder}", s.requireAuth(s.handleFolder))
	mux.HandleFunc("GET /api/{folder}/files", s.requireAuth(s.handleList))
	mux.HandleFunc("GET /api/{folder}/files/{path...}", s.requireAuth(s.handleList))
	mux.HandleFunc("GET /api/{folder}/static/{path...}", s.requireAuth(s.handleStatic))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, apperr.New(apperr.PathNotFound, "the requested resource was not found"))
	})

	// metrics.Middleware must sit directly on the mux to see the matched pattern.
	return logging.Middleware(
		securityHeaders(metrics.Middleware(s.cloud.Name(), mux)),
		zap.String("cloud", s.cloud.Name()),
		zap.Int("port", s.cloud.Port()),
	)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

func (s *CloudServer) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.auth.Authenticate(s.cloud, r); err != nil {
			WriteError(w, r, err)
			return
		}
		next(w, r)
	}
}

// ─── Public ─────────────────────────────────────────────────────────────────

func (s *CloudServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *CloudServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.Status())
}

type loginRequest struct {
	Password string `json:"password"`
}

func (s *CloudServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLoginBody)).Decode(&req); err != nil {
		WriteError(w, r, apperr.New(apperr.InvalidCredentials, "invalid credentials"))
		return
	}

	tok, err := s.auth.Issue(s.cloud, req.Password)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	auth.SetCookie(w, r, tok)
	WriteJSON(w, http.StatusOK, tok)
}

func (s *CloudServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	auth.ClearCookie(w, r, s.cloud.Port())
	WriteJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// ─── Protected ──────────────────────────────────────────────────────────────

func (s *CloudServer) handleFolder(w http.ResponseWriter, r *http.Request) {
	info, err := s.folderInfo(r.PathValue("folder"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, info)
}

func (s *CloudServer) handleList(w http.ResponseWriter, r *http.Request) {
	listing, err := s.listFiles(r.Context(), r.PathValue("folder"), r.PathValue("path"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, listing)
}

func (s *CloudServer) handleStatic(w http.ResponseWriter, r *http.Request) {
	content, err := s.readFile(r.Context(), r.PathValue("folder"), r.PathValue("path"), r.Header.Get("Range"))
	if err != nil {
		metrics.RecordContentDownload(s.cloud.Name(), 0, false)
		WriteError(w, r, err)
		return
	}
	defer content.Close()

	h := w.Header()
	h.Set("Content-Type", content.ContentType)
	h.Set("Accept-Ranges", "bytes")
	h.Set("Last-Modified", content.ModTime.UTC().Format(http.TimeFormat))
	if r.URL.Query().Get("download") == "1" {
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": content.Name}))
	}

	h.Set("Content-Length", strconv.FormatInt(content.Length, 10))
	if content.Partial {
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", content.Offset, content.Offset+content.Length-1, content.Size))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	n, err := io.Copy(w, content)
	if err != nil {
		logging.WithContext(r.Context()).Warn("content transfer error",
			zap.String("path", r.URL.Path), zap.Error(err))
	}
	metrics.RecordContentDownload(s.cloud.Name(), n, err == nil)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// parseRangeHeader handles a single "bytes=a-b", "bytes=a-" or "bytes=-n"
// range. Anything else, including a start past the end and ranges on an
// empty file, is served whole.
func parseRangeHeader(rangeHeader string, totalSize int64) (offset, length int64, hasRange bool) {
	if rangeHeader == "" || totalSize <= 0 {
		return 0, totalSize, false
	}

	matches := rangeRegex.FindStringSubmatch(rangeHeader)
	if matches == nil {
		return 0, totalSize, false
	}

	startStr, endStr := matches[1], matches[2]
	if startStr == "" && endStr == "" {
		return 0, totalSize, false
	}

	if startStr == "" {
		suffix, _ := strconv.ParseInt(endStr, 10, 64)
		if suffix <= 0 {
			return 0, totalSize, false
		}
		offset = totalSize - suffix
		if offset < 0 {
			offset = 0
		}
		return offset, totalSize - offset, true
	}

	offset, _ = strconv.ParseInt(startStr, 10, 64)
	if offset >= totalSize {
		return 0, totalSize, false
	}
	if endStr != "" {
		end, _ := strconv.ParseInt(endStr, 10, 64)
		length = end - offset + 1
	} else {
		length = totalSize - offset
	}

	if offset+length > totalSize {
		length = totalSize - offset
	}
	if length <= 0 {
		return 0, totalSize, false
	}
	return offset, length, true
}

type errorBody struct {
	Error   apperr.Kind `json:"error"`
	Message string      `json:"message"`
}

// WriteError writes err as {"error": kind, "message": text} with the status
// mapped from its kind. IoFailure causes are logged, never sent.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.IoFailure {
		logging.WithContext(r.Context()).Error("request failed", zap.Error(err))
	}
	WriteJSON(w, apperr.HTTPStatus(kind), errorBody{Error: kind, Message: apperr.PublicMessage(err)})
}

// WriteJSON writes v as an uncacheable JSON response.
func WriteJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
