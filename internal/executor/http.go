package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/example/promptrelay/api-go/internal/blob"
)

// HTTP drives a remote automation endpoint. The endpoint must answer
// GET /health with 2xx once its session is ready and POST /execute with the
// artifact bytes.
type HTTP struct {
	Endpoint    string
	Client      *http.Client
	InitTimeout time.Duration
	Log         *slog.Logger
}

type executeRequest struct {
	JobID  string `json:"jobId"`
	Index  int    `json:"index"`
	Prompt string `json:"prompt"`
}

func (h *HTTP) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return http.DefaultClient
}

// Open waits for the endpoint to report healthy, retrying with exponential
// backoff until InitTimeout elapses.
func (h *HTTP) Open(ctx context.Context, jobID string) (Session, error) {
	base := strings.TrimRight(h.Endpoint, "/")
	if base == "" {
		return nil, fmt.Errorf("http executor: no endpoint configured")
	}
	log := h.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("job_id", jobID, "endpoint", base)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 250 * time.Millisecond
	expBackoff.MaxElapsedTime = h.InitTimeout
	if expBackoff.MaxElapsedTime <= 0 {
		expBackoff.MaxElapsedTime = 30 * time.Second
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := h.probe(ctx, base)
		if err != nil {
			log.Warn("executor not ready", "attempt", attempt, "err", err)
		}
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, fmt.Errorf("http executor not ready after %d attempts: %w", attempt, err)
	}

	return &httpSession{exec: h, base: base, log: log}, nil
}

func (h *HTTP) probe(ctx context.Context, base string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := h.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("health returned %s", resp.Status)
	}
	return nil
}

type httpSession struct {
	exec *HTTP
	base string
	log  *slog.Logger
}

func (s *httpSession) Execute(ctx context.Context, req Request) (Artifact, error) {
	payload, err := json.Marshal(executeRequest{JobID: req.JobID, Index: req.Index, Prompt: req.Prompt})
	if err != nil {
		return Artifact{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/execute", bytes.NewReader(payload))
	if err != nil {
		return Artifact{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.exec.client().Do(httpReq)
	if err != nil {
		return Artifact{}, fmt.Errorf("execute: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Artifact{}, fmt.Errorf("execute returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	name := fmt.Sprintf("unit-%03d%s", req.Index+1, extensionFor(resp.Header.Get("Content-Type")))
	store := blob.LocalFS{Root: req.OutputDir}
	if _, err := store.Put(name, resp.Body); err != nil {
		_ = store.RemoveAll(name)
		return Artifact{}, fmt.Errorf("store artifact: %w", err)
	}
	path, err := store.Path(name)
	if err != nil {
		return Artifact{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("stat artifact: %w", err)
	}
	size := info.Size()
	if size == 0 {
		_ = store.RemoveAll(name)
		return Artifact{}, ErrNoArtifact
	}
	s.log.Debug("artifact stored", "index", req.Index, "path", path, "bytes", size)
	return Artifact{Filename: name, Size: size}, nil
}

func (s *httpSession) Close() error { return nil }

var preferredExt = map[string]string{
	"image/png":        ".png",
	"image/jpeg":       ".jpg",
	"image/gif":        ".gif",
	"image/webp":       ".webp",
	"application/json": ".json",
	"text/plain":       ".txt",
	"text/html":        ".html",
	"video/mp4":        ".mp4",
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".bin"
	}
	if ext, ok := preferredExt[mediaType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
