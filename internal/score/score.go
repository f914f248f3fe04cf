// Package score defines the contract between the download pipeline and a
// scoring oracle, plus a default weight table.
package score

import (
	"github.com/gayhub/subpool/internal/subtitle"
	"github.com/gayhub/subpool/internal/video"
)

// Scorer ranks a candidate. Compute returns the full score and the score the
// candidate would get without its hash match; the latter breaks ties.
type Scorer interface {
	Weights(kind video.Kind) map[string]int
	Compute(matches subtitle.MatchSet, s *subtitle.Subtitle, v *video.Video, hearingImpaired bool) (score, withoutHash int)
}

// Weighted scores candidates by summing the weights of their match tags. A
// hash match alone is worth the full hash weight.
type Weighted struct {
	Episode map[string]int
	Movie   map[string]int
}

// Default returns the stock episode and movie weight tables.
func Default() *Weighted {
	return &Weighted{
		Episode: map[string]int{
			subtitle.MatchHash:            359,
			subtitle.MatchSeries:          180,
			subtitle.MatchYear:            90,
			subtitle.MatchSeason:          30,
			subtitle.MatchEpisode:         30,
			subtitle.MatchReleaseGroup:    14,
			subtitle.MatchSource:          7,
			subtitle.MatchAudioCodec:      3,
			subtitle.MatchResolution:      2,
			subtitle.MatchVideoCodec:      2,
			subtitle.MatchHearingImpaired: 1,
		},
		Movie: map[string]int{
			subtitle.MatchHash:            119,
			subtitle.MatchTitle:           60,
			subtitle.MatchYear:            30,
			subtitle.MatchReleaseGroup:    13,
			subtitle.MatchSource:          7,
			subtitle.MatchAudioCodec:      3,
			subtitle.MatchResolution:      2,
			subtitle.MatchVideoCodec:      2,
			subtitle.MatchHearingImpaired: 1,
		},
	}
}

func (w *Weighted) Weights(kind video.Kind) map[string]int {
	if kind == video.KindEpisode {
		return w.Episode
	}
	return w.Movie
}

func (w *Weighted) Compute(matches subtitle.MatchSet, s *subtitle.Subtitle, v *video.Video, hearingImpaired bool) (int, int) {
	weights := w.Weights(v.Kind)

	matches = matches.Clone()
	if v.IsEpisode() && matches.Has(subtitle.MatchIMDBID) {
		// an imdb id match pins the show and the episode.
		matches.Add(subtitle.MatchSeries)
		matches.Add(subtitle.MatchYear)
		matches.Add(subtitle.MatchSeason)
		matches.Add(subtitle.MatchEpisode)
	}
	if !v.IsEpisode() && matches.Has(subtitle.MatchIMDBID) {
		matches.Add(subtitle.MatchTitle)
		matches.Add(subtitle.MatchYear)
	}

	withoutHash := 0
	for tag := range matches {
		if tag == subtitle.MatchHash {
			continue
		}
		withoutHash += weights[tag]
	}

	if matches.Has(subtitle.MatchHash) && s.HashVerifiable {
		total := weights[subtitle.MatchHash]
		if matches.Has(subtitle.MatchHearingImpaired) {
			total += weights[subtitle.MatchHearingImpaired]
		}
		return total, withoutHash
	}
	return withoutHash, withoutHash
}

// Max sums the weights for kind, leaving out the excluded tags.
func Max(s Scorer, kind video.Kind, excluded map[string]struct{}) int {
	total := 0
	for tag, weight := range s.Weights(kind) {
		if _, skip := excluded[tag]; skip {
			continue
		}
		total += weight
	}
	return total
}
