package pool

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/gayhub/subpool/internal/language"
	"github.com/gayhub/subpool/internal/score"
	"github.com/gayhub/subpool/internal/subtitle"
	"github.com/gayhub/subpool/internal/video"
)

// HIPreference is how hearing-impaired subtitles are treated.
type HIPreference int

const (
	HIDisabled HIPreference = iota
	HIPrefer
	HIForceHI
	HIForceNonHI
)

func (h HIPreference) String() string {
	switch h {
	case HIPrefer:
		return "prefer"
	case HIForceHI:
		return "force_hi"
	case HIForceNonHI:
		return "force_non_hi"
	default:
		return "disabled"
	}
}

// ParseHIPreference accepts the String forms plus a few spellings used by
// older configs.
func ParseHIPreference(raw string) (HIPreference, error) {
	switch strings.ToLower(strings.NewReplacer(" ", "_", "-", "_").Replace(strings.TrimSpace(raw))) {
	case "", "disabled", "false", "no":
		return HIDisabled, nil
	case "prefer", "true", "yes":
		return HIPrefer, nil
	case "force_hi":
		return HIForceHI, nil
	case "force_non_hi":
		return HIForceNonHI, nil
	default:
		return HIDisabled, fmt.Errorf("unknown hearing impaired preference %q", raw)
	}
}

// wantsHI reports whether HI candidates should score the hearing_impaired match.
func (h HIPreference) wantsHI() bool {
	return h == HIPrefer || h == HIForceHI
}

func (h HIPreference) strict() bool {
	return h == HIForceHI || h == HIForceNonHI
}

// BestOptions tunes DownloadBestSubtitles.
type BestOptions struct {
	MinScore          int
	HearingImpaired   HIPreference
	OnlyOne           bool
	UseOriginalFormat bool
	// Scorer defaults to score.Default().
	Scorer score.Scorer
}

// Ranked is a candidate with its match tags and scores.
type Ranked struct {
	Subtitle    *subtitle.Subtitle
	Matches     subtitle.MatchSet
	Score       int
	WithoutHash int
}

// Rank scores the subs whose language is in langs against v and sorts them
// best first, ties broken by the score without the hash match. The sort is
// stable so equal candidates keep provider order.
func (p *Pool) Rank(subs []*subtitle.Subtitle, v *video.Video, langs language.Set, pref HIPreference, scorer score.Scorer) []Ranked {
	if scorer == nil {
		scorer = score.Default()
	}
	useHI := pref.wantsHI()

	ranked := make([]Ranked, 0, len(subs))
	for _, s := range subs {
		if !langs.Has(s.Language) {
			continue
		}
		matches, err := s.Matches(v)
		if err != nil {
			p.logger.Error("match computation failed", "provider", s.Provider, "subtitle_id", s.ID, "error", err)
			continue
		}
		matches = matches.Clone()
		if s.HearingImpaired == useHI {
			matches.Add(subtitle.MatchHearingImpaired)
		}
		total, withoutHash := scorer.Compute(matches, s, v, useHI)
		ranked = append(ranked, Ranked{Subtitle: s, Matches: matches, Score: total, WithoutHash: withoutHash})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].WithoutHash > ranked[j].WithoutHash
	})
	return ranked
}

// DownloadBestSubtitles scores subs against v and downloads the best
// candidate per requested language, highest score first.
func (p *Pool) DownloadBestSubtitles(ctx context.Context, subs []*subtitle.Subtitle, v *video.Video, langs language.Set, opts BestOptions) []*subtitle.Subtitle {
	scorer := opts.Scorer
	if scorer == nil {
		scorer = score.Default()
	}
	maxScore := score.Max(scorer, v.Kind, p.scoreExclusions)
	candidates := p.Rank(subs, v, langs, opts.HearingImpaired, scorer)

	var downloaded []*subtitle.Subtitle
	have := make(language.Set)
	for _, c := range candidates {
		s := c.Subtitle
		log := p.logger.With("provider", s.Provider, "subtitle_id", s.ID, "language", s.Language.String(), "score", c.Score)

		if c.Score < opts.MinScore {
			log.Debug("score below minimum, stopping", "min_score", opts.MinScore)
			break
		}
		if have.Len() > 0 && langs.Intersect(have).Len() == langs.Len() {
			log.Debug("all languages downloaded")
			break
		}
		if have.Has(s.Language) {
			log.Debug("language already downloaded, skipping")
			continue
		}
		if s.HearingImpairedVerifiable && !c.Matches.Has(subtitle.MatchHearingImpaired) && opts.HearingImpaired.strict() {
			log.Debug("skipping subtitle: hearing impaired mismatch", "preference", opts.HearingImpaired.String())
			continue
		}
		if v.IsEpisode() {
			canVerifySeries := s.HashVerifiable || !c.Matches.Has(subtitle.MatchHash)
			matchesSeries := c.Matches.Has(subtitle.MatchSeason) && c.Matches.Has(subtitle.MatchEpisode) &&
				(c.Matches.Has(subtitle.MatchSeries) || c.Matches.Has(subtitle.MatchIMDBID))
			if canVerifySeries && !matchesSeries {
				log.Debug("skipping subtitle: series or episode not matched", "matches", c.Matches.Sorted())
				continue
			}
		}

		s.UseOriginalFormat = opts.UseOriginalFormat
		log.Info("trying subtitle", "percent", percent(c.Score, maxScore), "matches", c.Matches.Sorted())
		if !p.DownloadSubtitle(ctx, s) {
			continue
		}
		s.Score = c.Score
		have.Add(s.Language)
		downloaded = append(downloaded, s)

		if opts.OnlyOne {
			break
		}
	}
	return downloaded
}

func percent(value, max int) string {
	if max <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.2f%%", float64(value)*100/float64(max))
}
