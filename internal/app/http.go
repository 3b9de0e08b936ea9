package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"annosync/internal/auth"
	"annosync/internal/bootstrap"
	"annosync/internal/export"
	"annosync/internal/history"
	"annosync/internal/mediator"
	"annosync/internal/search"
	"annosync/internal/xfdf"
)

type HTTPServer struct {
	service     *Service
	corsOrigin  string
	logger      *zap.Logger
	tokenSecret []byte
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

// RequireTokens makes every session route demand a bearer token signed with
// secret. An empty secret leaves the API open.
func (s *HTTPServer) RequireTokens(secret []byte) *HTTPServer {
	s.tokenSecret = secret
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		failures := s.service.Ready(ctx)
		checks := map[string]any{}
		for _, check := range s.service.Checks() {
			if err, failed := failures[check.Name]; failed {
				checks[check.Name] = map[string]any{"status": "error", "error": err.Error()}
				continue
			}
			checks[check.Name] = map[string]any{"status": "ok"}
		}

		status := "ready"
		statusCode := http.StatusOK
		if len(failures) > 0 {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		if m := s.service.Metrics(); m != nil {
			m.Handler().ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Metrics disabled", nil)
		return
	}

	if r.URL.Path == "/api/sessions" {
		if !s.authorize(w, r, auth.AllSessions) {
			return
		}
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.Sessions(r.Context())
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"sessions": items})
		case http.MethodPost:
			var body struct {
				URL string `json:"url"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			info, err := s.service.Open(r.Context(), body.URL)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, info)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "sessions" {
		if !s.authorize(w, r, parts[2]) {
			return
		}
		s.handleSession(w, r, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request, key string, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			info, err := s.service.Session(r.Context(), key)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, info)
		case http.MethodDelete:
			if err := s.service.CloseSession(key); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	switch {
	case len(parts) == 3 && parts[0] == "pages" && parts[2] == "annotations" && r.Method == http.MethodGet:
		page, err := strconv.Atoi(parts[1])
		if err != nil || page < 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "page must be a non-negative integer", nil)
			return
		}
		items, err := s.service.ListPage(r.Context(), key, page)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"page": page, "annotations": items})

	case len(parts) == 1 && parts[0] == "annotations":
		s.handleAnnotations(w, r, key)

	case len(parts) == 2 && parts[0] == "annotations":
		s.handleAnnotation(w, r, key, parts[1])

	case len(parts) == 2 && parts[0] == "threads" && r.Method == http.MethodGet:
		th, err := s.service.Thread(r.Context(), key, parts[1])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, th)

	case len(parts) == 1 && parts[0] == "search" && r.Method == http.MethodGet:
		limit, err := queryInt(r, "limit", 0)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		offset, err := queryInt(r, "offset", 0)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		payload, err := s.service.Search(r.Context(), key, search.Query{
			Text:   strings.TrimSpace(r.URL.Query().Get("q")),
			Author: strings.TrimSpace(r.URL.Query().Get("author")),
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(parts) == 1 && parts[0] == "export" && r.Method == http.MethodGet:
		format, err := export.ParseFormat(strings.TrimSpace(r.URL.Query().Get("format")))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		result, err := s.service.Export(r.Context(), key, export.Request{
			Title:  strings.TrimSpace(r.URL.Query().Get("title")),
			Format: format,
			Author: strings.TrimSpace(r.URL.Query().Get("author")),
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
		w.Header().Set("Content-Type", result.MimeType)
		_, _ = w.Write(result.Data)

	case len(parts) == 1 && parts[0] == "upload" && r.Method == http.MethodPost:
		info, err := s.service.Upload(r.Context(), key)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, info)

	case len(parts) == 1 && parts[0] == "history" && r.Method == http.MethodGet:
		limit, err := queryInt(r, "limit", 20)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		commits, err := s.service.History(r.Context(), key, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commits": commits})

	case len(parts) == 3 && parts[0] == "history" && parts[2] == "diff" && r.Method == http.MethodGet:
		diff, err := s.service.HistoryDiff(r.Context(), key, parts[1])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"hash": parts[1], "diff": diff})

	case len(parts) == 1 && parts[0] == "journal" && r.Method == http.MethodGet:
		limit, err := queryInt(r, "limit", 50)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		onlyFailed := r.URL.Query().Get("failed") == "true"
		entries, err := s.service.Journal(r.Context(), key, onlyFailed, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleAnnotations(w http.ResponseWriter, r *http.Request, key string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	var body struct {
		Annotations []AnnotationInput `json:"annotations"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	accepted, err := s.service.Add(r.Context(), key, body.Annotations)
	if s.partial(w, r, err, map[string]any{"annotations": accepted}) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"annotations": accepted})
}

func (s *HTTPServer) handleAnnotation(w http.ResponseWriter, r *http.Request, key, id string) {
	switch r.Method {
	case http.MethodGet:
		item, err := s.service.Annotation(r.Context(), key, id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	case http.MethodPut:
		var body AnnotationInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		item, err := s.service.Edit(r.Context(), key, id, body)
		if s.partial(w, r, err, map[string]any{"annotation": item}) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"annotation": item})
	case http.MethodDelete:
		removed, err := s.service.Remove(r.Context(), key, []string{id})
		if s.partial(w, r, err, map[string]any{"removed": removed}) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

// authorize checks the bearer token against sessionKey and writes a 401
// when it does not cover it.
func (s *HTTPServer) authorize(w http.ResponseWriter, r *http.Request, sessionKey string) bool {
	if len(s.tokenSecret) == 0 {
		return true
	}
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return false
	}
	claims, err := auth.ParseToken(s.tokenSecret, token)
	if err != nil {
		code := "UNAUTHORIZED"
		if errors.Is(err, auth.ErrExpiredToken) {
			code = "TOKEN_EXPIRED"
		}
		writeError(w, http.StatusUnauthorized, code, "Unauthorized", nil)
		return false
	}
	if !claims.Allows(sessionKey) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Token does not cover this session", nil)
		return false
	}
	return true
}

// partial writes the response for err and reports whether it did. A failed
// forward to the service is answered with 202 since the change was applied
// locally.
func (s *HTTPServer) partial(w http.ResponseWriter, r *http.Request, err error, payload map[string]any) bool {
	if err == nil {
		return false
	}
	var pushErr *mediator.PushError
	if errors.As(err, &pushErr) {
		payload["syncError"] = pushErr.Error()
		writeJSON(w, http.StatusAccepted, payload)
		return true
	}
	s.fail(w, r, err)
	return true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return value, nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var bootErr *bootstrap.Error
	if errors.As(err, &bootErr) {
		reasons := make([]string, 0, len(bootErr.Errs))
		for _, e := range bootErr.Errs {
			reasons = append(reasons, e.Error())
		}
		return http.StatusBadGateway, "BOOTSTRAP_FAILED", "Session could not be opened", map[string]any{"errors": reasons}
	}
	var encodeErr *xfdf.EncodeError
	if errors.As(err, &encodeErr) {
		return http.StatusUnprocessableEntity, "INVALID_ANNOTATION", encodeErr.Error(), nil
	}
	var pushErr *mediator.PushError
	if errors.As(err, &pushErr) {
		return http.StatusBadGateway, "SYNC_FAILED", pushErr.Error(), nil
	}
	switch {
	case errors.Is(err, mediator.ErrPermissionDenied):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, mediator.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Annotation not found", nil
	case errors.Is(err, history.ErrNoHistory),
		errors.Is(err, plumbing.ErrReferenceNotFound),
		errors.Is(err, plumbing.ErrObjectNotFound):
		return http.StatusNotFound, "NOT_FOUND", "History entry not found", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", "format must be 'html' or 'pdf'", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF export is not available on this host", nil
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT", "Request timed out", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
