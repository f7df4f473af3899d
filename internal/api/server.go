// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/time/rate"

	"github.com/objcat/objcat/internal/catalog"
	"github.com/objcat/objcat/internal/connections"
	"github.com/objcat/objcat/internal/events"
	"github.com/objcat/objcat/internal/logging"
	"github.com/objcat/objcat/internal/metrics"
	"github.com/objcat/objcat/internal/mutate"
	"github.com/objcat/objcat/internal/query"
	"github.com/objcat/objcat/internal/remote"
	"github.com/objcat/objcat/internal/syncer"
)

// ErrorResponse is the JSON error body for all failure responses.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// Server is the HTTP server over the catalog engines.
type Server struct {
	connections *connections.Store
	syncer      *syncer.Engine
	query       *query.Engine
	mutate      *mutate.Engine
	broadcaster *events.Broadcaster

	// Per-client rate limiting; nil when unlimited.
	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	rps       rate.Limit
	burst     int
}

// NewServer creates a new server.
func NewServer(
	conns *connections.Store,
	syncEngine *syncer.Engine,
	queryEngine *query.Engine,
	mutateEngine *mutate.Engine,
	broadcaster *events.Broadcaster,
	rps float64,
	burst int,
) *Server {
	s := &Server{
		connections: conns,
		syncer:      syncEngine,
		query:       queryEngine,
		mutate:      mutateEngine,
		broadcaster: broadcaster,
	}
	if rps > 0 {
		s.limiters = make(map[string]*rate.Limiter)
		s.rps = rate.Limit(rps)
		s.burst = burst
	}
	return s
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Connection profiles
	mux.HandleFunc("GET /api/v1/connections", s.handleListConnections)
	mux.HandleFunc("POST /api/v1/connections", s.handleCreateConnection)
	mux.HandleFunc("PUT /api/v1/connections/{id}", s.handleUpdateConnection)
	mux.HandleFunc("DELETE /api/v1/connections/{id}", s.handleDeleteConnection)

	// Catalog
	mux.HandleFunc("POST /api/v1/connections/{id}/sync", s.handleSync)
	mux.HandleFunc("GET /api/v1/objects", s.handleGetObjects)

	// Mutations
	mux.HandleFunc("POST /api/v1/folders", s.handleCreateFolder)
	mux.HandleFunc("POST /api/v1/files", s.handleCreateFile)
	mux.HandleFunc("POST /api/v1/objects/delete", s.handleDeleteObjects)
	mux.HandleFunc("POST /api/v1/objects/copy", s.handleCopyObjects)
	mux.HandleFunc("POST /api/v1/objects/download", s.handleDownloadObjects)

	// SSE endpoint
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	return metrics.Middleware(logging.Middleware(s.rateLimit(mux)))
}

// rateLimit applies a per-client token bucket when a rate is configured.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiters == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		s.limiterMu.Lock()
		lim, ok := s.limiters[host]
		if !ok {
			lim = rate.NewLimiter(s.rps, s.burst)
			s.limiters[host] = lim
		}
		s.limiterMu.Unlock()

		if !lim.Allow() {
			s.sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Connections ────────────────────────────────────────────────────────────

// connectionRequest is the write shape for connection profiles. Credentials
// are accepted here but never echoed back; responses carry the public view.
type connectionRequest struct {
	Name            string `json:"name"`
	Endpoint        string `json:"endpoint"`
	Region          string `json:"region"`
	Bucket          string `json:"bucket"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
}

func (cr *connectionRequest) validate() error {
	if cr.Name == "" {
		return fmt.Errorf("name is required")
	}
	if cr.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if cr.Region == "" && cr.Endpoint == "" {
		return fmt.Errorf("region or endpoint is required")
	}
	return nil
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	rows, err := s.connections.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]connections.Public, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].Public())
	}
	s.sendJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	row, err := s.connections.Create(r.Context(), connections.Row{
		Name:            req.Name,
		Endpoint:        req.Endpoint,
		Region:          req.Region,
		Bucket:          req.Bucket,
		AccessKeyID:     req.AccessKeyID,
		SecretAccessKey: req.SecretAccessKey,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, row.Public())
}

func (s *Server) handleUpdateConnection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid connection id")
		return
	}
	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.connections.Update(r.Context(), connections.Row{
		ID:              id,
		Name:            req.Name,
		Endpoint:        req.Endpoint,
		Region:          req.Region,
		Bucket:          req.Bucket,
		AccessKeyID:     req.AccessKeyID,
		SecretAccessKey: req.SecretAccessKey,
	}); err != nil {
		s.writeError(w, err)
		return
	}

	row, err := s.connections.Resolve(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, row.Public())
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid connection id")
		return
	}
	if err := s.connections.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Sync ───────────────────────────────────────────────────────────────────

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid connection id")
		return
	}
	if err := s.syncer.Sync(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

// ─── Objects ────────────────────────────────────────────────────────────────

func (s *Server) handleGetObjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	connectionID, err := strconv.ParseInt(q.Get("connectionId"), 10, 64)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "connectionId is required")
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.sendError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	page, err := s.query.GetObjects(r.Context(), query.Params{
		ConnectionID: connectionID,
		Dirname:      q.Get("dirname"),
		Keyword:      q.Get("keyword"),
		After:        q.Get("after"),
		Limit:        limit,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, page)
}

type createFolderRequest struct {
	ConnectionID int64  `json:"connectionId"`
	Dirname      string `json:"dirname"`
	Basename     string `json:"basename"`
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req createFolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Basename == "" {
		s.sendError(w, http.StatusBadRequest, "basename is required")
		return
	}

	entry, err := s.mutate.CreateFolder(r.Context(), req.ConnectionID, req.Dirname, req.Basename)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, entry)
}

type createFileRequest struct {
	ConnectionID  int64  `json:"connectionId"`
	Dirname       string `json:"dirname"`
	LocalPath     string `json:"localPath"`
	CorrelationID string `json:"correlationId"`
}

func (s *Server) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	var req createFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.LocalPath == "" {
		s.sendError(w, http.StatusBadRequest, "localPath is required")
		return
	}

	entry, err := s.mutate.CreateFile(r.Context(), mutate.CreateFileParams{
		ConnectionID:  req.ConnectionID,
		Dirname:       req.Dirname,
		LocalPath:     req.LocalPath,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	// 202: the row exists but the upload is still in flight; completion
	// arrives on the event stream.
	s.sendJSON(w, http.StatusAccepted, entry)
}

type deleteObjectsRequest struct {
	ConnectionID int64    `json:"connectionId"`
	IDs          []string `json:"ids"`
}

type deleteObjectsResponse struct {
	Removed int64 `json:"removed"`
}

func (s *Server) handleDeleteObjects(w http.ResponseWriter, r *http.Request) {
	var req deleteObjectsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	removed, err := s.mutate.DeleteObjects(r.Context(), req.ConnectionID, req.IDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, deleteObjectsResponse{Removed: removed})
}

type copyObjectsRequest struct {
	ConnectionID  int64    `json:"connectionId"`
	SourceIDs     []string `json:"sourceIds"`
	TargetDirname string   `json:"targetDirname"`
	Move          bool     `json:"move"`
}

type copyObjectsResponse struct {
	Created []*catalog.Entry `json:"created"`
}

func (s *Server) handleCopyObjects(w http.ResponseWriter, r *http.Request) {
	var req copyObjectsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := s.mutate.CopyObjects(r.Context(), mutate.CopyParams{
		ConnectionID:  req.ConnectionID,
		SourceIDs:     req.SourceIDs,
		TargetDirname: req.TargetDirname,
		Move:          req.Move,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if created == nil {
		created = []*catalog.Entry{}
	}
	s.sendJSON(w, http.StatusOK, copyObjectsResponse{Created: created})
}

type downloadObjectsRequest struct {
	ConnectionID  int64    `json:"connectionId"`
	IDs           []string `json:"ids"`
	LocalDir      string   `json:"localDir"`
	CorrelationID string   `json:"correlationId"`
}

func (s *Server) handleDownloadObjects(w http.ResponseWriter, r *http.Request) {
	var req downloadObjectsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.LocalDir == "" {
		s.sendError(w, http.StatusBadRequest, "localDir is required")
		return
	}

	if err := s.mutate.DownloadObjects(r.Context(), mutate.DownloadParams{
		ConnectionID:  req.ConnectionID,
		IDs:           req.IDs,
		LocalDir:      req.LocalDir,
		CorrelationID: req.CorrelationID,
	}); err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "downloaded"})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// writeError maps engine errors onto HTTP status codes. Messages pass
// through as-is; engines never embed secret material in errors.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		parentErr  mutate.ParentNotFoundError
		objectErr  mutate.ObjectNotFoundError
		cursorErr  query.CursorNotFoundError
		partialErr *mutate.PartialBatchFailure
	)
	switch {
	case errors.Is(err, connections.ErrConnectionNotFound),
		errors.As(err, &parentErr),
		errors.As(err, &objectErr),
		errors.As(err, &cursorErr),
		remote.IsNotFound(err):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &partialErr):
		s.sendError(w, http.StatusBadGateway, err.Error())
	default:
		s.sendError(w, http.StatusInternalServerError, err.Error())
	}
}
