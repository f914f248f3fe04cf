package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gayhub/subpool/internal/config"
	"github.com/gayhub/subpool/internal/db"
	"github.com/gayhub/subpool/internal/language"
	"github.com/gayhub/subpool/internal/logging"
	"github.com/gayhub/subpool/internal/model"
	"github.com/gayhub/subpool/internal/pool"
	"github.com/gayhub/subpool/internal/scanner"
	"github.com/gayhub/subpool/internal/score"
	"github.com/gayhub/subpool/internal/subtitle"
	"github.com/gayhub/subpool/internal/video"
)

// SubtitlePool is the part of the provider pool the API drives. Both
// *pool.Pool and *pool.AsyncPool satisfy it.
type SubtitlePool interface {
	ListSubtitles(ctx context.Context, v *video.Video, langs language.Set) []*subtitle.Subtitle
	DownloadSubtitle(ctx context.Context, sub *subtitle.Subtitle) bool
	DownloadBestSubtitles(ctx context.Context, subs []*subtitle.Subtitle, v *video.Video, langs language.Set, opts pool.BestOptions) []*subtitle.Subtitle
	Rank(subs []*subtitle.Subtitle, v *video.Video, langs language.Set, pref pool.HIPreference, scorer score.Scorer) []pool.Ranked
	ListSupportedLanguages(ctx context.Context) []pool.ProviderLanguages
	States() []pool.ProviderState
	Update(ctx context.Context, opts pool.UpdateOptions) ([]string, error)
	Configs() *pool.ConfigRegistry
}

// Deps are the collaborators a Server needs.
type Deps struct {
	Repo *db.Repository
	Pool SubtitlePool
	// Known lists every registered provider name.
	Known   []string
	Metrics http.Handler
	Logger  *slog.Logger
	Version string
}

type Server struct {
	cfg     config.Config
	repo    *db.Repository
	pool    SubtitlePool
	known   []string
	metrics http.Handler
	logger  *slog.Logger
	version string
	events  *EventBus
	scan    func(paths []string) (scanner.Result, error)
}

func New(cfg config.Config, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		repo:    deps.Repo,
		pool:    deps.Pool,
		known:   deps.Known,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		version: deps.Version,
		events:  NewEventBus(),
		scan:    scanner.Run,
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	if s.version == "" {
		s.version = "dev"
	}
	return s
}

// Events exposes the bus so background jobs outside the server can publish.
func (s *Server) Events() *EventBus {
	return s.events
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(api chi.Router) {
		// SSE streams stay open, so only the other routes get a deadline.
		api.Get("/events", s.handleEvents)

		api.Group(func(api chi.Router) {
			api.Use(middleware.Timeout(5 * time.Minute))
			api.Get("/health", s.handleHealth)
			api.Get("/settings", s.handleGetSettings)
			api.Put("/settings", s.handleUpdateSettings)
			api.Get("/providers", s.handleListProviders)
			api.Put("/providers", s.handleSetProviders)
			api.Get("/providers/languages", s.handleProviderLanguages)
			api.Put("/providers/{name}/config", s.handleProviderConfig)
			api.Get("/jobs", s.handleJobs)
			api.Post("/scan", s.handleScan)
			api.Get("/media", s.handleMedia)
			api.Get("/media/{id}/subtitles", s.handleMediaSubtitles)
			api.Post("/media/{id}/search-subtitles", s.handleSearchSubtitles)
			api.Get("/media/{id}/candidates", s.handleMediaCandidates)
			api.Post("/media/{id}/download-best", s.handleDownloadBest)
			api.Post("/candidates/{id}/download", s.handleDownloadCandidate)
		})
	})

	r.Handle("/*", s.staticHandler())
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "subpool",
		"version": s.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"storage": "sqlite",
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.repo.GetSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var payload model.Settings
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if _, _, err := downloadPrefs(payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.MinScore < 0 {
		writeError(w, http.StatusBadRequest, errors.New("min_score cannot be negative"))
		return
	}

	if err := s.repo.UpdateSettings(r.Context(), payload); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.events.Publish("settings.updated", payload)
	writeJSON(w, http.StatusOK, payload)
}

// handleListProviders joins the stored provider rows with the live pool state.
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.repo.ListProviders(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	states := make(map[string]pool.ProviderState)
	for _, st := range s.pool.States() {
		states[st.Name] = st
	}
	for i := range providers {
		st, ok := states[providers[i].Name]
		providers[i].Enabled = ok
		providers[i].Initialized = st.Initialized
		providers[i].Discarded = st.Discarded
	}
	writeJSON(w, http.StatusOK, providers)
}

type providersRequest struct {
	Providers []string `json:"providers"`
}

func (s *Server) handleSetProviders(w http.ResponseWriter, r *http.Request) {
	var payload providersRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if payload.Providers == nil {
		writeError(w, http.StatusBadRequest, errors.New("providers is required"))
		return
	}
	names := make([]string, 0, len(payload.Providers))
	for _, name := range payload.Providers {
		names = append(names, strings.ToLower(strings.TrimSpace(name)))
	}

	if _, err := s.pool.Update(r.Context(), pool.UpdateOptions{Providers: names}); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := s.repo.SetEnabledProviders(r.Context(), names); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.events.Publish("providers.updated", map[string]any{"providers": names})
	writeJSON(w, http.StatusOK, s.pool.States())
}

func (s *Server) handleProviderLanguages(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Provider  string   `json:"provider"`
		Languages []string `json:"languages"`
	}
	supported := s.pool.ListSupportedLanguages(r.Context())
	out := make([]entry, 0, len(supported))
	for _, pl := range supported {
		out = append(out, entry{Provider: pl.Provider, Languages: pl.Languages.Strings()})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleProviderConfig merges a partial config into the pool, restarting the
// provider when it is live, and persists the merged result sealed.
func (s *Server) handleProviderConfig(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "name")))
	if !slices.Contains(s.known, name) {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown provider %q", name))
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if len(payload) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("no config fields provided"))
		return
	}

	restarted, err := s.pool.Update(r.Context(), pool.UpdateOptions{
		ProviderConfigs: map[string]map[string]any{name: payload},
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := s.repo.SaveProviderConfig(r.Context(), name, s.pool.Configs().Get(name)); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	result := map[string]any{"provider": name, "configured": true, "restarted": slices.Contains(restarted, name)}
	s.events.Publish("provider.config_saved", result)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.repo.ListJobs(r.Context(), queryLimit(r, 50, 500))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	job, err := s.repo.CreateJob(r.Context(), "scan", "Scan media library for missing subtitles")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.events.Publish("job.created", job)

	go s.runScanJob(job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) runScanJob(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	log := s.logger.With("job_id", jobID)

	fail := func(err error) {
		log.Error("scan failed", "error", err)
		_ = s.repo.UpdateJob(ctx, jobID, model.JobFailed, "", err.Error())
		s.events.Publish("job.updated", map[string]string{"id": jobID, "status": model.JobFailed, "error": err.Error()})
	}

	_ = s.repo.UpdateJob(ctx, jobID, model.JobRunning, "", "")
	s.events.Publish("job.updated", map[string]string{"id": jobID, "status": model.JobRunning})
	scanResult, err := s.scan(s.cfg.MediaPaths)
	if err != nil {
		fail(err)
		return
	}

	inserted, updated, err := s.repo.UpsertMediaItems(ctx, scanResult.Items)
	if err != nil {
		fail(err)
		return
	}

	details := fmt.Sprintf(
		"Scanned %d video files, missing subtitles %d, inserted %d, updated %d",
		scanResult.ScannedVideoFiles,
		scanResult.MissingSubtitleFiles,
		inserted,
		updated,
	)
	log.Info("scan completed", "scanned", scanResult.ScannedVideoFiles, "missing", scanResult.MissingSubtitleFiles)
	_ = s.repo.UpdateJob(ctx, jobID, model.JobCompleted, details, "")
	s.events.Publish("job.updated", map[string]any{
		"id":                  jobID,
		"status":              model.JobCompleted,
		"scanned_video":       scanResult.ScannedVideoFiles,
		"missing_subtitles":   scanResult.MissingSubtitleFiles,
		"inserted_or_updated": inserted + updated,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream := s.events.Subscribe()
	defer s.events.Unsubscribe(stream)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-stream:
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, msg.Data)
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = io.WriteString(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	missingOnly := strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("missing_sub")), "true")
	items, err := s.repo.ListMedia(r.Context(), missingOnly, queryLimit(r, 200, 1000))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleMediaSubtitles(w http.ResponseWriter, r *http.Request) {
	item, ok := s.mediaFromRequest(w, r)
	if !ok {
		return
	}
	files, err := s.repo.ListSubtitleFiles(r.Context(), item.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if files == nil {
		files = []model.SubtitleFile{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleMediaCandidates(w http.ResponseWriter, r *http.Request) {
	mediaID, ok := pathID(w, r)
	if !ok {
		return
	}
	candidates, err := s.repo.ListSubtitleCandidates(r.Context(), mediaID, queryLimit(r, 100, 1000))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, candidates)
}

func (s *Server) mediaFromRequest(w http.ResponseWriter, r *http.Request) (model.MediaItem, bool) {
	mediaID, ok := pathID(w, r)
	if !ok {
		return model.MediaItem{}, false
	}
	item, err := s.repo.GetMediaByID(r.Context(), mediaID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, errors.New("media not found"))
			return model.MediaItem{}, false
		}
		writeError(w, http.StatusInternalServerError, err)
		return model.MediaItem{}, false
	}
	return item, true
}

func (s *Server) staticHandler() http.Handler {
	index := filepath.Join(s.cfg.StaticDir, "index.html")
	if _, err := os.Stat(index); err == nil {
		fs := http.FileServer(http.Dir(s.cfg.StaticDir))
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			relativePath := strings.TrimPrefix(r.URL.Path, "/")
			path := filepath.Join(s.cfg.StaticDir, filepath.Clean(relativePath))
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				fs.ServeHTTP(w, r)
				return
			}
			http.ServeFile(w, r, index)
		})
	}

	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"message": "no web ui installed; the API is served under /api/v1",
		})
	})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(chi.URLParam(r, "id")), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid id"))
		return 0, false
	}
	return id, true
}

func queryLimit(r *http.Request, fallback, max int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 || parsed > max {
		return fallback
	}
	return parsed
}

func statusFor(err error) int {
	if errors.Is(err, pool.ErrValidation) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
