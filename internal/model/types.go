package model

import (
	"encoding/json"
	"time"

	"github.com/gayhub/subpool/internal/language"
	"github.com/gayhub/subpool/internal/subtitle"
	"github.com/gayhub/subpool/internal/video"
)

const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Settings are the download defaults editable at runtime.
type Settings struct {
	Languages       []string `json:"languages"`
	HearingImpaired string   `json:"hearing_impaired"`
	MinScore        int      `json:"min_score"`
	OnlyOne         bool     `json:"only_one"`
}

type ProviderStatus struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Configured  bool   `json:"configured"`
	Initialized bool   `json:"initialized"`
	Discarded   bool   `json:"discarded"`
}

type Job struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Details   string    `json:"details,omitempty"`
	Error     string    `json:"error,omitempty"`
	Retries   int       `json:"retries"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type MediaItem struct {
	ID          int64      `json:"id"`
	MediaType   string     `json:"media_type"`
	Title       string     `json:"title"`
	Year        *int       `json:"year,omitempty"`
	Season      *int       `json:"season,omitempty"`
	Episode     *int       `json:"episode,omitempty"`
	FilePath    string     `json:"file_path"`
	MediaHash   string     `json:"media_hash,omitempty"`
	FileSize    int64      `json:"file_size"`
	HasSubtitle bool       `json:"has_subtitle"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`

	// Release attributes parsed from the file name.
	ReleaseGroup string `json:"release_group,omitempty"`
	Source       string `json:"source,omitempty"`
	Resolution   string `json:"resolution,omitempty"`
	VideoCodec   string `json:"video_codec,omitempty"`
	AudioCodec   string `json:"audio_codec,omitempty"`
}

// Video converts the stored item into a search target.
func (m MediaItem) Video() *video.Video {
	v := &video.Video{
		Path:         m.FilePath,
		Kind:         video.ParseKind(m.MediaType),
		Title:        m.Title,
		Size:         m.FileSize,
		ReleaseGroup: m.ReleaseGroup,
		Source:       m.Source,
		Resolution:   m.Resolution,
		VideoCodec:   m.VideoCodec,
		AudioCodec:   m.AudioCodec,
	}
	if m.Year != nil {
		v.Year = *m.Year
	}
	if v.IsEpisode() {
		v.Series = m.Title
		if m.Season != nil {
			v.Season = *m.Season
		}
		if m.Episode != nil {
			v.Episode = *m.Episode
		}
	}
	if m.MediaHash != "" {
		v.Hashes = map[string]string{"opensubtitles": m.MediaHash}
	}
	return v
}

type SubtitleCandidate struct {
	ID              int64      `json:"id"`
	MediaItemID     int64      `json:"media_item_id"`
	ProviderName    string     `json:"provider_name"`
	CandidateID     string     `json:"candidate_id"`
	Score           int        `json:"score"`
	Language        string     `json:"language"`
	ReleaseName     string     `json:"release_name,omitempty"`
	HearingImpaired bool       `json:"hearing_impaired"`
	PageLink        string     `json:"page_link,omitempty"`
	RawPayload      string     `json:"-"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
}

// candidatePayload is the part of a subtitle needed to download it again
// after a restart.
type candidatePayload struct {
	ID                        string  `json:"id"`
	Provider                  string  `json:"provider"`
	Language                  string  `json:"language"`
	ReleaseInfo               *string `json:"release_info,omitempty"`
	PageLink                  string  `json:"page_link,omitempty"`
	Format                    string  `json:"format,omitempty"`
	HearingImpaired           bool    `json:"hearing_impaired,omitempty"`
	HearingImpairedVerifiable bool    `json:"hearing_impaired_verifiable,omitempty"`
	HashVerifiable            bool    `json:"hash_verifiable,omitempty"`
	Hash                      string  `json:"hash,omitempty"`
	Title                     string  `json:"title,omitempty"`
	Series                    string  `json:"series,omitempty"`
	Season                    int     `json:"season,omitempty"`
	Episode                   int     `json:"episode,omitempty"`
	Year                      int     `json:"year,omitempty"`
	IMDBID                    string  `json:"imdb_id,omitempty"`
	ReleaseGroup              string  `json:"release_group,omitempty"`
	DownloadRef               string  `json:"download_ref,omitempty"`
}

// CandidateFromSubtitle snapshots sub for storage.
func CandidateFromSubtitle(mediaID int64, sub *subtitle.Subtitle, score int) (SubtitleCandidate, error) {
	raw, err := json.Marshal(candidatePayload{
		ID:                        sub.ID,
		Provider:                  sub.Provider,
		Language:                  sub.Language.String(),
		ReleaseInfo:               sub.ReleaseInfo,
		PageLink:                  sub.PageLink,
		Format:                    sub.Format,
		HearingImpaired:           sub.HearingImpaired,
		HearingImpairedVerifiable: sub.HearingImpairedVerifiable,
		HashVerifiable:            sub.HashVerifiable,
		Hash:                      sub.Hash,
		Title:                     sub.Title,
		Series:                    sub.Series,
		Season:                    sub.Season,
		Episode:                   sub.Episode,
		Year:                      sub.Year,
		IMDBID:                    sub.IMDBID,
		ReleaseGroup:              sub.ReleaseGroup,
		DownloadRef:               sub.DownloadRef,
	})
	if err != nil {
		return SubtitleCandidate{}, err
	}
	return SubtitleCandidate{
		MediaItemID:     mediaID,
		ProviderName:    sub.Provider,
		CandidateID:     sub.ID,
		Score:           score,
		Language:        sub.Language.String(),
		ReleaseName:     sub.Release(),
		HearingImpaired: sub.HearingImpaired,
		PageLink:        sub.PageLink,
		RawPayload:      string(raw),
	}, nil
}

// Subtitle rebuilds the provider subtitle from the stored payload.
func (c SubtitleCandidate) Subtitle() (*subtitle.Subtitle, error) {
	var p candidatePayload
	if err := json.Unmarshal([]byte(c.RawPayload), &p); err != nil {
		return nil, err
	}
	lang, err := language.Parse(p.Language)
	if err != nil {
		return nil, err
	}
	return &subtitle.Subtitle{
		ID:                        p.ID,
		Provider:                  p.Provider,
		Language:                  lang,
		ReleaseInfo:               p.ReleaseInfo,
		PageLink:                  p.PageLink,
		Format:                    p.Format,
		HearingImpaired:           p.HearingImpaired,
		HearingImpairedVerifiable: p.HearingImpairedVerifiable,
		HashVerifiable:            p.HashVerifiable,
		Hash:                      p.Hash,
		Title:                     p.Title,
		Series:                    p.Series,
		Season:                    p.Season,
		Episode:                   p.Episode,
		Year:                      p.Year,
		IMDBID:                    p.IMDBID,
		ReleaseGroup:              p.ReleaseGroup,
		DownloadRef:               p.DownloadRef,
	}, nil
}

type SubtitleFile struct {
	ID           int64     `json:"id"`
	MediaItemID  int64     `json:"media_item_id"`
	Language     string    `json:"language"`
	ProviderName string    `json:"provider_name"`
	ReleaseName  string    `json:"release_name,omitempty"`
	FilePath     string    `json:"file_path"`
	Checksum     string    `json:"checksum"`
	Score        int       `json:"score"`
	CreatedAt    time.Time `json:"created_at"`
}
