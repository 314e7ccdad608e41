package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"atlas/api/internal/export"
	"atlas/api/internal/search"
)

type HTTPServer struct {
	service    *Service
	exporter   *export.Service
	corsOrigin string
}

func NewHTTPServer(service *Service, exporter *export.Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, exporter: exporter, corsOrigin: corsOrigin}
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

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		offset, _ := strconv.Atoi(query.Get("offset"))
		response := s.service.SearchLayers(r.Context(), search.Query{
			Text:       query.Get("q"),
			FilterType: query.Get("type"),
			Limit:      limit,
			Offset:     offset,
		})
		writeJSON(w, http.StatusOK, response)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "projects":
		s.handleProjects(w, r, parts[2:])
	case "layers":
		s.handleLayers(w, r, parts[2:])
	case "styles":
		s.handleStyles(w, r, parts[2:])
	case "maps":
		s.handleMaps(w, r, parts[2:])
	case "conversations":
		s.handleConversations(w, r, parts[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleProjects(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		var body struct {
			OwnerID        string `json:"ownerId"`
			LinkAccessible bool   `json:"linkAccessible"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		project, err := s.service.CreateProject(r.Context(), body.OwnerID, body.LinkAccessible)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, project)

	case len(rest) == 0 && r.Method == http.MethodGet:
		projects, err := s.service.ListProjects(r.Context(), r.URL.Query().Get("ownerId"))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": projects})

	case len(rest) == 1 && r.Method == http.MethodGet:
		project, err := s.service.GetProject(r.Context(), rest[0])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, project)

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteProject(r.Context(), rest[0]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 2 && rest[1] == "restore" && r.Method == http.MethodPost:
		if err := s.service.RestoreProject(r.Context(), rest[0]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 2 && rest[1] == "link-access" && r.Method == http.MethodPut:
		var body struct {
			Accessible bool `json:"accessible"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.SetProjectLinkAccess(r.Context(), rest[0], body.Accessible); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 2 && rest[1] == "root" && r.Method == http.MethodPost:
		rootID, err := s.service.CreateRoot(r.Context(), rest[0])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"rootId": rootID})

	case len(rest) == 2 && rest[1] == "tree" && r.Method == http.MethodGet:
		entries, err := s.service.BuildTree(r.Context(), rest[0], r.URL.Query().Get("conversationId"))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tree": entries})

	case len(rest) == 2 && rest[1] == "changelog" && r.Method == http.MethodGet:
		s.handleChangelog(w, r, rest[0])

	case len(rest) == 2 && rest[1] == "conversations" && r.Method == http.MethodPost:
		var body struct {
			Title string `json:"title"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		conversation, err := s.service.CreateConversation(r.Context(), rest[0], body.Title)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, conversation)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleLayers(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		var input RegisterLayerInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		layer, err := s.service.RegisterLayer(r.Context(), input)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, layer)

	case len(rest) == 1 && r.Method == http.MethodGet:
		layer, err := s.service.GetLayer(r.Context(), rest[0])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, layer)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleStyles(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		var body struct {
			LayerID string          `json:"layerId"`
			Style   json.RawMessage `json:"style"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		style, err := s.service.CreateStyle(r.Context(), body.LayerID, body.Style)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, style)

	case len(rest) == 1 && r.Method == http.MethodGet:
		style, err := s.service.GetStyle(r.Context(), rest[0])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, style)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleMaps(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 1 && r.Method == http.MethodGet:
		node, err := s.service.GetNode(r.Context(), rest[0])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, node)

	case len(rest) == 1 && r.Method == http.MethodPatch:
		var body struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpdateNodeMetadata(r.Context(), rest[0], body.Title, body.Description); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 2 && rest[1] == "fork" && r.Method == http.MethodPost:
		var body struct {
			Op     json.RawMessage `json:"op"`
			Reason string          `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		op, err := decodeEditOp(body.Op)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		node, err := s.service.Fork(r.Context(), rest[0], op, body.Reason)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, node)

	case len(rest) == 2 && rest[1] == "diff" && r.Method == http.MethodGet:
		result, err := s.service.Diff(r.Context(), rest[0], r.URL.Query().Get("baseline"))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case len(rest) == 2 && rest[1] == "bindings" && r.Method == http.MethodGet:
		bindings, err := s.service.GetBindings(r.Context(), rest[0])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"bindings": bindings})

	case len(rest) == 2 && rest[1] == "children" && r.Method == http.MethodGet:
		children, err := s.service.GetChildren(r.Context(), rest[0])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"children": children})

	case len(rest) == 2 && rest[1] == "style.json" && r.Method == http.MethodGet:
		document, err := s.service.ResolveStyleDocument(r.Context(), rest[0])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(document)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleConversations(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 2 && rest[1] == "messages" && r.Method == http.MethodPost {
		var body struct {
			MapVersionID string `json:"mapVersionId"`
			Sender       string `json:"sender"`
			Content      string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		message, err := s.service.AttachMessage(r.Context(), rest[0], body.MapVersionID, body.Sender, body.Content)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, message)
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleChangelog(w http.ResponseWriter, r *http.Request, projectID string) {
	format := export.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = export.FormatHTML
	}
	if format != export.FormatHTML && format != export.FormatPDF {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", fmt.Sprintf("unsupported format %q", format), nil)
		return
	}

	entries, err := s.service.BuildTree(r.Context(), projectID, "")
	if err != nil {
		writeMappedError(w, err)
		return
	}

	changelog := export.Changelog{
		ProjectID:   projectID,
		Title:       "Map History " + projectID,
		GeneratedAt: time.Now(),
		Entries:     changelogEntries(entries),
	}

	result, err := s.exporter.Export(changelog, format)
	if err != nil {
		if errors.Is(err, export.ErrPDFDependencyMissing) {
			writeError(w, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not available", nil)
			return
		}
		writeMappedError(w, err)
		return
	}

	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

// changelogEntries flattens tree entries into export rows, recovering each
// node's depth from its parent chain.
func changelogEntries(entries []TreeEntry) []export.Entry {
	depths := make(map[string]int, len(entries))
	out := make([]export.Entry, 0, len(entries))
	for _, entry := range entries {
		depth := 0
		if entry.Node.ParentID != nil {
			depth = depths[*entry.Node.ParentID] + 1
		}
		depths[entry.Node.ID] = depth

		row := export.Entry{
			ID:          entry.Node.ID,
			Title:       entry.Node.Title,
			Description: entry.Node.Description,
			ForkReason:  entry.Node.ForkReason,
			CreatedOn:   entry.Node.CreatedOn,
			Depth:       depth,
			Added:       entry.Diff.Added,
			Removed:     entry.Diff.Removed,
			Edited:      entry.Diff.Edited,
		}
		for _, message := range entry.Messages {
			row.Messages = append(row.Messages, export.Message{
				Sender:    message.Sender,
				Content:   message.Content,
				CreatedOn: message.CreatedOn,
			})
		}
		out = append(out, row)
	}
	return out
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

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

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
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
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
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
