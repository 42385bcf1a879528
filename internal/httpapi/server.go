package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v2"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/example/promptrelay/api-go/internal/blob"
	"github.com/example/promptrelay/api-go/internal/broadcast"
	"github.com/example/promptrelay/api-go/internal/metrics"
	"github.com/example/promptrelay/api-go/internal/model"
	"github.com/example/promptrelay/api-go/internal/preview"
	"github.com/example/promptrelay/api-go/internal/registry"
)

const (
	maxPrompts      = 500
	maxPromptLength = 10000
	maxBodyBytes    = 8 << 20
)

// Submitter starts a job over the given prompts and returns its id.
type Submitter interface {
	Submit(prompts []string) string
}

// Archive is the read side of the job history.
type Archive interface {
	GetJob(ctx context.Context, id string) (model.Job, error)
	ListJobs(ctx context.Context, status *model.JobStatus, limit int) ([]model.Job, error)
}

type Server struct {
	Runner  Submitter
	Jobs    *registry.Registry
	Archive Archive // optional
	Blobs   blob.LocalFS
	Events  *broadcast.Broadcaster
	Metrics *metrics.Metrics
	Limiter *rate.Limiter // optional; limits POST /api/run
	BaseURL string        // optional, for generating absolute download URLs

	AllowedOrigins []string
	Logger         *httplog.Logger // optional request logging
	Log            *slog.Logger
}

type runRequest struct {
	Prompts []string `json:"prompts" validate:"max=500,dive,max=10000"`
}

var validate = validator.New()

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if s.Logger != nil {
		r.Use(httplog.RequestLogger(s.Logger, []string{"/health", "/metrics"}))
	}
	r.Use(s.cors)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": time.Now().UTC()})
	})
	r.Handle("/metrics", s.Metrics.Handler())
	r.Get("/ws", s.handleLive)

	r.Route("/api", func(r chi.Router) {
		r.Post("/run", s.handleRun)
		r.Get("/status/{jobId}", s.handleStatus)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/outputs/{jobId}", s.handleOutputs)
	})
	r.Get("/outputs/{jobId}/{filename}", s.handleDownload)
	r.Get("/outputs/{jobId}/{filename}/preview", s.handlePreview)

	return r
}

func (s Server) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func (s Server) originAllowed(origin string) bool {
	if origin == "" || len(s.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (s Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.Limiter != nil && !s.Limiter.Allow() {
		writeErr(w, http.StatusTooManyRequests, fmt.Errorf("too many run requests"))
		return
	}

	var req runRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("at most %d prompts of at most %d characters each are accepted", maxPrompts, maxPromptLength))
		return
	}

	id := s.Runner.Submit(req.Prompts)
	s.log().Info("job submitted", "job_id", id, "prompts", len(req.Prompts))
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": id})
}

// lookup finds a job in the live registry, then in the archive.
func (s Server) lookup(ctx context.Context, id string) (model.Job, error) {
	job, err := s.Jobs.Get(id)
	if err == nil || !errors.Is(err, model.ErrNotFound) || s.Archive == nil {
		return job, err
	}
	return s.Archive.GetJob(ctx, id)
}

func (s Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	job, err := s.lookup(r.Context(), id)
	if errors.Is(err, model.ErrNotFound) {
		writeErr(w, http.StatusNotFound, fmt.Errorf("job not found"))
		return
	}
	if err != nil {
		s.internalError(w, "lookup job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var status *model.JobStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed := model.JobStatus(raw)
		if !parsed.Valid() {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid status: %s", raw))
			return
		}
		status = &parsed
	}

	limit := 25
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %s", raw))
			return
		}
		if value > 100 {
			value = 100
		}
		limit = value
	}

	seen := map[string]bool{}
	jobs := []model.Job{}
	for _, job := range s.Jobs.List() {
		if status != nil && job.Status != *status {
			continue
		}
		seen[job.ID] = true
		jobs = append(jobs, job)
	}
	if s.Archive != nil {
		archived, err := s.Archive.ListJobs(ctx, status, limit)
		if err != nil {
			s.internalError(w, "list archived jobs", err)
			return
		}
		for _, job := range archived {
			if !seen[job.ID] {
				jobs = append(jobs, job)
			}
		}
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type output struct {
	Filename    string `json:"filename"`
	DownloadURL string `json:"downloadUrl"`
}

func (s Server) handleOutputs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	names, err := s.Blobs.List(id)
	if errors.Is(err, blob.ErrInvalidPath) {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid job id"))
		return
	}
	if err != nil {
		s.internalError(w, "list outputs", err)
		return
	}

	outputs := make([]output, 0, len(names))
	for _, name := range names {
		outputs = append(outputs, output{Filename: name, DownloadURL: s.downloadURL(id, name)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"outputs": outputs})
}

func (s Server) downloadURL(jobID, filename string) string {
	return fmt.Sprintf("%s/outputs/%s/%s", strings.TrimRight(s.BaseURL, "/"), jobID, filename)
}

// artifactPath validates the job and file named in the URL and returns the
// file's path relative to the outputs root. It writes the error response
// itself and returns ok=false on failure.
func (s Server) artifactPath(w http.ResponseWriter, r *http.Request) (rel string, ok bool) {
	id := chi.URLParam(r, "jobId")
	name := chi.URLParam(r, "filename")

	clean := filepath.Clean(name)
	if name == "" || clean == "." || clean == ".." || strings.ContainsAny(name, `/\`) {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid artifact path"))
		return "", false
	}

	if _, err := s.lookup(r.Context(), id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeErr(w, http.StatusNotFound, fmt.Errorf("job not found"))
		} else {
			s.internalError(w, "lookup job", err)
		}
		return "", false
	}

	rel = filepath.Join(id, clean)
	if !s.Blobs.Exists(rel) {
		writeErr(w, http.StatusNotFound, fmt.Errorf("artifact not found"))
		return "", false
	}
	return rel, true
}

func (s Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	rel, ok := s.artifactPath(w, r)
	if !ok {
		return
	}
	s.sendArtifact(w, rel)
}

// sendArtifact streams rel as an attachment. The file may be purged after
// artifactPath checked it, which is reported as a plain 404.
func (s Server) sendArtifact(w http.ResponseWriter, rel string) {
	f, err := s.Blobs.Open(rel)
	if errors.Is(err, fs.ErrNotExist) {
		writeErr(w, http.StatusNotFound, fmt.Errorf("artifact not found"))
		return
	}
	if err != nil {
		s.internalError(w, "open artifact", err)
		return
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	contentType := http.DetectContentType(buf[:n])
	if ext := filepath.Ext(rel); ext != "" {
		if mimeType := mime.TypeByExtension(ext); mimeType != "" {
			if contentType == "application/octet-stream" || strings.HasPrefix(contentType, "text/plain") {
				contentType = mimeType
			}
		}
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		s.internalError(w, "rewind artifact", err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filepath.Base(rel)}))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.Copy(w, f)
}

func (s Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	rel, ok := s.artifactPath(w, r)
	if !ok {
		return
	}
	width, _ := strconv.Atoi(r.URL.Query().Get("w"))
	height, _ := strconv.Atoi(r.URL.Query().Get("h"))
	s.sendPreview(w, rel, width, height)
}

func (s Server) sendPreview(w http.ResponseWriter, rel string, width, height int) {
	if !preview.Supported(rel) {
		writeErr(w, http.StatusUnsupportedMediaType, preview.ErrUnsupported)
		return
	}
	abs, err := s.Blobs.Path(rel)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	var buf bytes.Buffer
	if err := preview.Render(abs, width, height, &buf); err != nil {
		switch {
		case errors.Is(err, preview.ErrUnsupported):
			writeErr(w, http.StatusUnsupportedMediaType, err)
		case errors.Is(err, fs.ErrNotExist):
			writeErr(w, http.StatusNotFound, fmt.Errorf("artifact not found"))
		default:
			s.internalError(w, "render preview", err)
		}
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.Copy(w, &buf)
}

func (s Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.log().Error(msg, "err", err)
	writeErr(w, http.StatusInternalServerError, fmt.Errorf("internal error"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
