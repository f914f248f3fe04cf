// Package policy holds the filters the pool applies uniformly to every
// provider's results.
package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gayhub/subpool/internal/language"
	"github.com/gayhub/subpool/internal/subtitle"
)

// BlacklistEntry identifies one subtitle of one provider.
type BlacklistEntry struct {
	Provider   string `json:"provider" toml:"provider" yaml:"provider"`
	SubtitleID string `json:"subtitle_id" toml:"subtitle_id" yaml:"subtitle_id"`
}

// Blacklist excludes exact provider/subtitle pairs.
type Blacklist struct {
	entries map[BlacklistEntry]struct{}
}

// NewBlacklist builds a blacklist from entries. Provider names match
// case-insensitively.
func NewBlacklist(entries []BlacklistEntry) *Blacklist {
	b := &Blacklist{entries: make(map[BlacklistEntry]struct{}, len(entries))}
	for _, e := range entries {
		b.entries[blacklistKey(e.Provider, e.SubtitleID)] = struct{}{}
	}
	return b
}

func blacklistKey(provider, subtitleID string) BlacklistEntry {
	return BlacklistEntry{Provider: strings.ToLower(strings.TrimSpace(provider)), SubtitleID: subtitleID}
}

// IsValid reports whether sub from provider is not blacklisted.
func (b *Blacklist) IsValid(provider string, sub *subtitle.Subtitle) bool {
	if b == nil {
		return true
	}
	_, listed := b.entries[blacklistKey(provider, sub.ID)]
	return !listed
}

// Len returns the number of entries.
func (b *Blacklist) Len() int {
	if b == nil {
		return 0
	}
	return len(b.entries)
}

// BanListConfig is the raw ban list as configured.
type BanListConfig struct {
	MustContain    []string `json:"must_contain" toml:"must_contain" yaml:"must_contain"`
	MustNotContain []string `json:"must_not_contain" toml:"must_not_contain" yaml:"must_not_contain"`
}

// BanList filters candidates on their release description.
type BanList struct {
	mustContain    []*regexp.Regexp
	mustNotContain []*regexp.Regexp
}

// NewBanList compiles the configured patterns case-insensitively.
func NewBanList(cfg BanListConfig) (*BanList, error) {
	must, err := compileAll(cfg.MustContain)
	if err != nil {
		return nil, fmt.Errorf("ban list must_contain: %w", err)
	}
	mustNot, err := compileAll(cfg.MustNotContain)
	if err != nil {
		return nil, fmt.Errorf("ban list must_not_contain: %w", err)
	}
	return &BanList{mustContain: must, mustNotContain: mustNot}, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// IsValid applies must_not_contain before must_contain. Candidates without
// release info always pass.
func (b *BanList) IsValid(sub *subtitle.Subtitle) bool {
	if b == nil || sub.ReleaseInfo == nil {
		return true
	}
	release := *sub.ReleaseInfo
	for _, re := range b.mustNotContain {
		if re.MatchString(release) {
			return false
		}
	}
	for _, re := range b.mustContain {
		if !re.MatchString(release) {
			return false
		}
	}
	return true
}

// Pair is one language equivalence: From is interchangeable with To.
type Pair struct {
	From language.Language
	To   language.Language
}

// LanguageEquals is an ordered list of equivalences.
type LanguageEquals struct {
	pairs []Pair
}

// NewLanguageEquals parses raw entries; each must hold exactly two languages.
func NewLanguageEquals(raw [][]string) (*LanguageEquals, error) {
	pairs := make([]Pair, 0, len(raw))
	for i, entry := range raw {
		if len(entry) != 2 {
			return nil, fmt.Errorf("language equals entry %d: want 2 languages, got %d", i, len(entry))
		}
		from, err := language.Parse(entry[0])
		if err != nil {
			return nil, fmt.Errorf("language equals entry %d: %w", i, err)
		}
		to, err := language.Parse(entry[1])
		if err != nil {
			return nil, fmt.Errorf("language equals entry %d: %w", i, err)
		}
		pairs = append(pairs, Pair{From: from, To: to})
	}
	return &LanguageEquals{pairs: pairs}, nil
}

// Pairs returns a copy of the configured equivalences.
func (l *LanguageEquals) Pairs() []Pair {
	if l == nil {
		return nil
	}
	return append([]Pair(nil), l.pairs...)
}

// Translate widens a request: whenever To is requested, From is asked for too.
func (l *LanguageEquals) Translate(requested language.Set) language.Set {
	out := requested.Clone()
	if l == nil {
		return out
	}
	for _, p := range l.pairs {
		if requested.Has(p.To) {
			out.Add(p.From)
		}
	}
	return out
}

// CheckSet widens an advertised set: whenever From is present, To is too.
func (l *LanguageEquals) CheckSet(items language.Set) language.Set {
	out := items.Clone()
	if l == nil {
		return out
	}
	for _, p := range l.pairs {
		if items.Has(p.From) {
			out.Add(p.To)
		}
	}
	return out
}

// UpdateSubtitle relabels sub with the first pair whose From matches.
func (l *LanguageEquals) UpdateSubtitle(sub *subtitle.Subtitle) {
	if l == nil {
		return
	}
	for _, p := range l.pairs {
		if sub.Language == p.From {
			sub.Language = p.To
			return
		}
	}
}
