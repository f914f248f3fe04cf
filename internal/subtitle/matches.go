package subtitle

import (
	"sort"
	"strings"

	"github.com/gayhub/subpool/internal/video"
)

// Match tag names shared with the scorer.
const (
	MatchHash            = "hash"
	MatchTitle           = "title"
	MatchSeries          = "series"
	MatchSeason          = "season"
	MatchEpisode         = "episode"
	MatchYear            = "year"
	MatchIMDBID          = "imdb_id"
	MatchReleaseGroup    = "release_group"
	MatchSource          = "source"
	MatchResolution      = "resolution"
	MatchVideoCodec      = "video_codec"
	MatchAudioCodec      = "audio_codec"
	MatchHearingImpaired = "hearing_impaired"
)

// MatchSet is a set of match tags.
type MatchSet map[string]struct{}

// NewMatchSet builds a set from tags.
func NewMatchSet(tags ...string) MatchSet {
	m := make(MatchSet, len(tags))
	for _, t := range tags {
		m[t] = struct{}{}
	}
	return m
}

func (m MatchSet) Has(tag string) bool {
	_, ok := m[tag]
	return ok
}

func (m MatchSet) Add(tag string) {
	m[tag] = struct{}{}
}

func (m MatchSet) Clone() MatchSet {
	out := make(MatchSet, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

// Sorted returns the tags in lexical order.
func (m MatchSet) Sorted() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DefaultMatches compares the metadata a provider reported against v.
func DefaultMatches(s *Subtitle, v *video.Video) MatchSet {
	m := make(MatchSet)
	if s == nil || v == nil {
		return m
	}

	if s.Hash != "" {
		for _, h := range v.Hashes {
			if strings.EqualFold(h, s.Hash) {
				m.Add(MatchHash)
				break
			}
		}
	}
	if s.IMDBID != "" && strings.EqualFold(s.IMDBID, v.IMDBID) {
		m.Add(MatchIMDBID)
	}
	if s.Year > 0 && s.Year == v.Year {
		m.Add(MatchYear)
	}

	if v.IsEpisode() {
		if s.Series != "" && sameTitle(s.Series, v.Series) {
			m.Add(MatchSeries)
		}
		if s.Season > 0 && s.Season == v.Season {
			m.Add(MatchSeason)
		}
		if s.Episode > 0 && s.Episode == v.Episode {
			m.Add(MatchEpisode)
		}
	} else if s.Title != "" && sameTitle(s.Title, v.Title) {
		m.Add(MatchTitle)
	}

	if v.ReleaseGroup != "" && strings.EqualFold(s.ReleaseGroup, v.ReleaseGroup) {
		m.Add(MatchReleaseGroup)
	}

	release := strings.ToLower(s.Release())
	if release == "" {
		return m
	}
	if v.ReleaseGroup != "" && strings.Contains(release, strings.ToLower(v.ReleaseGroup)) {
		m.Add(MatchReleaseGroup)
	}
	for tag, value := range map[string]string{
		MatchSource:     v.Source,
		MatchResolution: v.Resolution,
		MatchVideoCodec: v.VideoCodec,
		MatchAudioCodec: v.AudioCodec,
	} {
		if value != "" && strings.Contains(release, strings.ToLower(value)) {
			m.Add(tag)
		}
	}
	return m
}

func sameTitle(a, b string) bool {
	return normalizeTitle(a) == normalizeTitle(b)
}

func normalizeTitle(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r > 127:
			b.WriteRune(r)
		}
	}
	return b.String()
}
