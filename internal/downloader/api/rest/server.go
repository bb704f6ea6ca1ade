package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/Imperial-lord/dionysus/internal/downloader/core"
	"github.com/Imperial-lord/dionysus/internal/shared/logging"
)

const (
	defaultListLimit = 10
	maxListLimit     = 100
)

type API struct {
	service core.DownloadService
	hub     *UpdateHub
	logger  logging.Logger
}

// NewAPI creates the REST handlers. hub may be nil, in which case /ws is not served.
func NewAPI(service core.DownloadService, hub *UpdateHub, logger logging.Logger) *API {
	return &API{
		service: service,
		hub:     hub,
		logger:  logger,
	}
}

func (a *API) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/api/downloads", func(r chi.Router) {
		r.Post("/", a.submitDownload)
		r.Get("/", a.listDownloads)
		r.Get("/{id}", a.getDownload)
		r.Get("/{id}/files", a.getDownloadFiles)
		r.Delete("/{id}", a.deleteDownload)
	})

	// Legacy torrent routes.
	r.Route("/api/torrent", func(r chi.Router) {
		r.Post("/download", a.submitTorrent)
		r.Get("/status/{id}", a.getDownload)
		r.Delete("/{id}", a.deleteTorrent)
	})

	if a.hub != nil {
		r.Get("/ws", a.handleWebSocket)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "not found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed", "")
	})

	return r
}

// submitDownload handles POST /api/downloads
func (a *API) submitDownload(w http.ResponseWriter, r *http.Request) {
	var req SubmitDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	job, err := a.service.Submit(r.Context(), strings.TrimSpace(req.SourceURL))
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, ToJobResponse(job))
}

// submitTorrent handles POST /api/torrent/download?magnetLink=
func (a *API) submitTorrent(w http.ResponseWriter, r *http.Request) {
	job, err := a.service.Submit(r.Context(), r.URL.Query().Get("magnetLink"))
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ToJobResponse(job))
}

// listDownloads handles GET /api/downloads with filters and pagination
func (a *API) listDownloads(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var filter core.JobFilter
	if s := query.Get("status"); s != "" {
		status := core.JobStatus(strings.ToUpper(s))
		if !status.IsValid() {
			respondError(w, http.StatusBadRequest, "invalid status", s)
			return
		}
		filter.Status = &status
	}

	filter.Limit = defaultListLimit
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			filter.Limit = min(l, maxListLimit)
		}
	}
	if offsetStr := query.Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			filter.Offset = o
		}
	}

	jobs, total, err := a.service.List(r.Context(), filter)
	if err != nil {
		a.respondServiceError(w, err)
		return
	}

	var nextOffset *int
	if end := filter.Offset + len(jobs); end < total {
		nextOffset = &end
	}

	respondJSON(w, http.StatusOK, ListJobsResponse{
		Jobs:       ToJobResponses(jobs),
		Total:      total,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
		NextOffset: nextOffset,
	})
}

// getDownload handles GET /api/downloads/{id}
func (a *API) getDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	job, err := a.service.Get(r.Context(), id)
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ToJobResponse(job))
}

// getDownloadFiles handles GET /api/downloads/{id}/files
func (a *API) getDownloadFiles(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	files, err := a.service.Files(r.Context(), id)
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, FilesResponse{JobID: id.String(), Files: files})
}

// deleteDownload handles DELETE /api/downloads/{id}
func (a *API) deleteDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	if err := a.service.Remove(r.Context(), id); err != nil {
		a.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// deleteTorrent handles DELETE /api/torrent/{id}. Deleting a missing job is not an error.
func (a *API) deleteTorrent(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	if err := a.service.Remove(r.Context(), id); err != nil && !errors.Is(err, core.ErrJobNotFound) {
		a.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWebSocket handles GET /ws
func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var initial []byte
	jobs, _, err := a.service.List(r.Context(), core.JobFilter{Limit: maxListLimit})
	if err != nil {
		a.logger.Warn("Failed to load jobs for new websocket client", "error", err)
	} else {
		initial, _ = json.Marshal(InitialJobsMessage{
			Type: MessageTypeInitialJobs,
			Jobs: ToJobResponses(jobs),
		})
	}
	a.hub.ServeWS(w, r, initial)
}

func (a *API) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidSource):
		respondError(w, http.StatusBadRequest, "invalid source url", err.Error())
	case errors.Is(err, core.ErrDuplicateSource):
		respondError(w, http.StatusConflict, "download already exists", err.Error())
	case errors.Is(err, core.ErrJobNotFound):
		respondError(w, http.StatusNotFound, "download not found", "")
	case errors.Is(err, core.ErrJobNotCompleted):
		respondError(w, http.StatusConflict, "download not completed", err.Error())
	default:
		a.logger.Error("Request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error", "")
	}
}

func parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid job id", raw)
		return uuid.Nil, false
	}
	return id, true
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, statusCode int, error string, message string) {
	resp := ErrorResponse{
		Error:   error,
		Message: message,
		Code:    statusCode,
	}
	respondJSON(w, statusCode, resp)
}

type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func NewServer(cfg ServerConfig, api *API, logger logging.Logger) *http.Server {
	handler := ChainMiddleware(
		api.Routes(),
		middleware.RequestID,
		LoggingMiddleware(logger),
		RecoveryMiddleware(logger),
	)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
