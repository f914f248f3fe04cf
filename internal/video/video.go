// Package video describes the media item subtitles are searched for.
package video

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
)

// Kind separates the two scoring categories.
type Kind string

const (
	KindMovie   Kind = "movie"
	KindEpisode Kind = "episode"
)

// ParseKind maps free-form media types onto a Kind, defaulting to movie.
func ParseKind(raw string) Kind {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "episode", "series", "tv", "show":
		return KindEpisode
	default:
		return KindMovie
	}
}

// IDs correlates a video with upstream library managers. Zero means absent.
type IDs struct {
	RadarrID        int64 `json:"radarr_id,omitempty"`
	SonarrSeriesID  int64 `json:"sonarr_series_id,omitempty"`
	SonarrEpisodeID int64 `json:"sonarr_episode_id,omitempty"`
}

// IsZero reports whether no id is set.
func (i IDs) IsZero() bool {
	return i.RadarrID == 0 && i.SonarrSeriesID == 0 && i.SonarrEpisodeID == 0
}

// Fields returns the non-zero ids keyed by name.
func (i IDs) Fields() map[string]int64 {
	out := make(map[string]int64, 3)
	if i.RadarrID != 0 {
		out["radarr_id"] = i.RadarrID
	}
	if i.SonarrSeriesID != 0 {
		out["sonarr_series_id"] = i.SonarrSeriesID
	}
	if i.SonarrEpisodeID != 0 {
		out["sonarr_episode_id"] = i.SonarrEpisodeID
	}
	return out
}

// Video is the search target. Episode-only fields are ignored for movies.
type Video struct {
	Path         string
	Kind         Kind
	Title        string
	Series       string
	Season       int
	Episode      int
	Year         int
	IMDBID       string
	ReleaseGroup string
	Source       string
	Resolution   string
	VideoCodec   string
	AudioCodec   string
	Size         int64
	FPS          float64
	// Hashes maps a hash algorithm name (e.g. "opensubtitles") to its value.
	Hashes map[string]string
	IDs    IDs
}

// IsEpisode reports whether v is a series episode.
func (v *Video) IsEpisode() bool {
	return v != nil && v.Kind == KindEpisode
}

// Name is a short human label used in logs.
func (v *Video) Name() string {
	if v == nil {
		return ""
	}
	if v.IsEpisode() {
		return fmt.Sprintf("%s S%02dE%02d", v.Series, v.Season, v.Episode)
	}
	if v.Year > 0 {
		return fmt.Sprintf("%s (%d)", v.Title, v.Year)
	}
	return v.Title
}

const hashChunkSize = 64 * 1024

// OpenSubtitlesHash computes the OpenSubtitles moviehash: file size plus the
// little-endian uint64 sums of the first and last 64 KiB.
func OpenSubtitlesHash(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, err
	}
	size := info.Size()
	if size < hashChunkSize {
		return "", size, fmt.Errorf("file too small for hashing: %d bytes", size)
	}

	hash := uint64(size)
	buf := make([]byte, hashChunkSize)
	for _, offset := range []int64{0, size - hashChunkSize} {
		if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
			return "", size, err
		}
		for i := 0; i < hashChunkSize; i += 8 {
			hash += binary.LittleEndian.Uint64(buf[i : i+8])
		}
	}
	return fmt.Sprintf("%016x", hash), size, nil
}
