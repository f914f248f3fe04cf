package server

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/gayhub/subpool/internal/language"
	"github.com/gayhub/subpool/internal/model"
	"github.com/gayhub/subpool/internal/pool"
	"github.com/gayhub/subpool/internal/subtitle"
)

// downloadPrefs parses the stored language and hearing-impaired settings.
func downloadPrefs(settings model.Settings) (language.Set, pool.HIPreference, error) {
	if len(settings.Languages) == 0 {
		return nil, pool.HIDisabled, errors.New("languages cannot be empty")
	}
	langs, err := language.ParseSet(settings.Languages)
	if err != nil {
		return nil, pool.HIDisabled, err
	}
	pref, err := pool.ParseHIPreference(settings.HearingImpaired)
	if err != nil {
		return nil, pool.HIDisabled, err
	}
	return langs, pref, nil
}

func (s *Server) handleSearchSubtitles(w http.ResponseWriter, r *http.Request) {
	item, ok := s.mediaFromRequest(w, r)
	if !ok {
		return
	}
	settings, err := s.repo.GetSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	langs, pref, err := downloadPrefs(settings)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	v := item.Video()
	subs := s.pool.ListSubtitles(r.Context(), v, langs)
	ranked := s.pool.Rank(subs, v, langs, pref, nil)

	candidates := make([]model.SubtitleCandidate, 0, len(ranked))
	for _, rk := range ranked {
		candidate, err := model.CandidateFromSubtitle(item.ID, rk.Subtitle, rk.Score)
		if err != nil {
			s.logger.Warn("skipping candidate", "provider", rk.Subtitle.Provider, "subtitle_id", rk.Subtitle.ID, "error", err)
			continue
		}
		candidates = append(candidates, candidate)
	}
	if err := s.repo.ReplaceSubtitleCandidates(r.Context(), item.ID, candidates); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	stored, err := s.repo.ListSubtitleCandidates(r.Context(), item.ID, len(candidates))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.events.Publish("candidates.updated", map[string]any{
		"media_id": item.ID,
		"count":    len(stored),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"media_id":   item.ID,
		"count":      len(stored),
		"candidates": stored,
		"providers":  s.pool.States(),
	})
}

type downloadBestRequest struct {
	HearingImpaired *string `json:"hearing_impaired"`
	MinScore        *int    `json:"min_score"`
	OnlyOne         *bool   `json:"only_one"`
	// Refresh searches the providers instead of using stored candidates.
	Refresh bool `json:"refresh"`
}

func (s *Server) handleDownloadBest(w http.ResponseWriter, r *http.Request) {
	item, ok := s.mediaFromRequest(w, r)
	if !ok {
		return
	}
	var payload downloadBestRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	settings, err := s.repo.GetSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if payload.HearingImpaired != nil {
		settings.HearingImpaired = *payload.HearingImpaired
	}
	if payload.MinScore != nil {
		settings.MinScore = *payload.MinScore
	}
	if payload.OnlyOne != nil {
		settings.OnlyOne = *payload.OnlyOne
	}
	langs, pref, err := downloadPrefs(settings)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	v := item.Video()
	var subs []*subtitle.Subtitle
	if !payload.Refresh {
		if subs, err = s.storedSubtitles(r.Context(), item.ID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	if len(subs) == 0 {
		subs = s.pool.ListSubtitles(r.Context(), v, langs)
	}
	for _, sub := range subs {
		sub.Tag(v)
	}

	downloaded := s.pool.DownloadBestSubtitles(r.Context(), subs, v, langs, pool.BestOptions{
		MinScore:          settings.MinScore,
		HearingImpaired:   pref,
		OnlyOne:           settings.OnlyOne,
		UseOriginalFormat: s.cfg.Pool.UseOriginalFormat,
	})

	files := make([]model.SubtitleFile, 0, len(downloaded))
	for _, sub := range downloaded {
		file, err := s.storeSubtitle(r.Context(), item, sub)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		files = append(files, file)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"media_id":   item.ID,
		"candidates": len(subs),
		"count":      len(files),
		"subtitles":  files,
	})
}

func (s *Server) handleDownloadCandidate(w http.ResponseWriter, r *http.Request) {
	candidateID, ok := pathID(w, r)
	if !ok {
		return
	}
	candidate, err := s.repo.GetSubtitleCandidateByID(r.Context(), candidateID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, errors.New("candidate not found"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	item, err := s.repo.GetMediaByID(r.Context(), candidate.MediaItemID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	sub, err := candidate.Subtitle()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("restore candidate: %w", err))
		return
	}
	sub.Tag(item.Video())
	sub.UseOriginalFormat = s.cfg.Pool.UseOriginalFormat
	sub.Score = candidate.Score

	if !s.pool.DownloadSubtitle(r.Context(), sub) {
		writeError(w, http.StatusBadGateway, fmt.Errorf("download from %s failed", candidate.ProviderName))
		return
	}
	file, err := s.storeSubtitle(r.Context(), item, sub)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (s *Server) storedSubtitles(ctx context.Context, mediaID int64) ([]*subtitle.Subtitle, error) {
	candidates, err := s.repo.ListSubtitleCandidates(ctx, mediaID, 1000)
	if err != nil {
		return nil, err
	}
	subs := make([]*subtitle.Subtitle, 0, len(candidates))
	for _, c := range candidates {
		sub, err := c.Subtitle()
		if err != nil {
			s.logger.Warn("dropping stored candidate", "candidate_id", c.ID, "error", err)
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// storeSubtitle writes sub beside the video and records it.
func (s *Server) storeSubtitle(ctx context.Context, item model.MediaItem, sub *subtitle.Subtitle) (model.SubtitleFile, error) {
	path := sub.Path(item.FilePath, s.cfg.Pool.HITag)
	if err := os.WriteFile(path, sub.Content, 0o644); err != nil {
		return model.SubtitleFile{}, fmt.Errorf("write subtitle %s: %w", path, err)
	}
	sum := sha256.Sum256(sub.Content)
	file := model.SubtitleFile{
		MediaItemID:  item.ID,
		Language:     sub.Language.String(),
		ProviderName: sub.Provider,
		ReleaseName:  sub.Release(),
		FilePath:     path,
		Checksum:     hex.EncodeToString(sum[:]),
		Score:        sub.Score,
	}
	if err := s.repo.SaveSubtitleFile(ctx, file); err != nil {
		return model.SubtitleFile{}, err
	}
	s.logger.Info("subtitle saved", "provider", sub.Provider, "language", file.Language, "path", path, "score", sub.Score)
	s.events.Publish("subtitle.saved", file)
	return file, nil
}
