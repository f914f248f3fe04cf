// Package subtitle holds the provider-agnostic subtitle candidate and the
// helpers the pool applies to it after download.
package subtitle

import (
	"github.com/gayhub/subpool/internal/language"
	"github.com/gayhub/subpool/internal/video"
)

// Matcher computes match tags for a candidate against a video. Providers that
// know better than the attribute comparison in DefaultMatches set one.
type Matcher interface {
	Matches(s *Subtitle, v *video.Video) (MatchSet, error)
}

// MatcherFunc adapts a function to Matcher.
type MatcherFunc func(s *Subtitle, v *video.Video) (MatchSet, error)

func (f MatcherFunc) Matches(s *Subtitle, v *video.Video) (MatchSet, error) {
	return f(s, v)
}

// Subtitle is a candidate returned by a provider search. The pool tags it with
// the video's correlation ids, scores it and, once downloaded, fills Content.
type Subtitle struct {
	ID       string
	Provider string
	Language language.Language
	// ReleaseInfo is nil when the provider reports nothing about the release.
	ReleaseInfo *string
	PageLink    string
	Format      string

	HearingImpaired           bool
	HearingImpairedVerifiable bool
	HashVerifiable            bool

	Hash         string
	Title        string
	Series       string
	Season       int
	Episode      int
	Year         int
	IMDBID       string
	ReleaseGroup string

	// DownloadRef is provider private state needed to fetch the content.
	DownloadRef string

	Content []byte

	Score             int
	IDs               video.IDs
	PlexMediaFPS      float64
	UseOriginalFormat bool

	Matcher Matcher
}

// Release returns the release info or "" when absent.
func (s *Subtitle) Release() string {
	if s.ReleaseInfo == nil {
		return ""
	}
	return *s.ReleaseInfo
}

// SetRelease stores info as the release description.
func (s *Subtitle) SetRelease(info string) {
	s.ReleaseInfo = &info
}

// Matches returns the match tags of s against v.
func (s *Subtitle) Matches(v *video.Video) (MatchSet, error) {
	if s.Matcher != nil {
		return s.Matcher.Matches(s, v)
	}
	return DefaultMatches(s, v), nil
}

// Tag copies the correlation data of v onto s.
func (s *Subtitle) Tag(v *video.Video) {
	if v == nil {
		return
	}
	s.IDs = v.IDs
	s.PlexMediaFPS = v.FPS
}
