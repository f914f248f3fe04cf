// Package language wraps golang.org/x/text/language tags with the forced and
// hearing-impaired variants that subtitle providers distinguish.
package language

import (
	"fmt"
	"sort"
	"strings"

	xlanguage "golang.org/x/text/language"
)

const (
	suffixForced = "forced"
	suffixHI     = "hi"
)

// Language is a comparable subtitle language. Code is always a canonical BCP 47
// tag so two values parsed from "eng" and "en" compare equal.
type Language struct {
	Code            string
	Forced          bool
	HearingImpaired bool
}

// Parse accepts tags such as "en", "eng", "pt-BR", optionally followed by
// ":forced" or ":hi".
func Parse(raw string) (Language, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Language{}, fmt.Errorf("language: empty value")
	}
	parts := strings.Split(raw, ":")
	tag, err := xlanguage.Parse(parts[0])
	if err != nil {
		return Language{}, fmt.Errorf("language: parse %q: %w", raw, err)
	}
	if tag == xlanguage.Und {
		return Language{}, fmt.Errorf("language: %q is undetermined", raw)
	}
	out := Language{Code: tag.String()}
	for _, suffix := range parts[1:] {
		switch strings.ToLower(strings.TrimSpace(suffix)) {
		case suffixForced:
			out.Forced = true
		case suffixHI:
			out.HearingImpaired = true
		default:
			return Language{}, fmt.Errorf("language: unknown variant %q in %q", suffix, raw)
		}
	}
	return out, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(raw string) Language {
	l, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return l
}

// String renders the language in the form Parse accepts.
func (l Language) String() string {
	s := l.Code
	if l.Forced {
		s += ":" + suffixForced
	}
	if l.HearingImpaired {
		s += ":" + suffixHI
	}
	return s
}

// IsZero reports whether l holds no language.
func (l Language) IsZero() bool {
	return l.Code == ""
}

// Base returns l without its forced and hearing-impaired variants.
func (l Language) Base() Language {
	return Language{Code: l.Code}
}

// Set is an unordered collection of languages.
type Set map[Language]struct{}

// NewSet builds a set from the given languages.
func NewSet(langs ...Language) Set {
	s := make(Set, len(langs))
	for _, l := range langs {
		s[l] = struct{}{}
	}
	return s
}

// ParseSet parses every entry in raw; the first failure is returned.
func ParseSet(raw []string) (Set, error) {
	s := make(Set, len(raw))
	for _, item := range raw {
		l, err := Parse(item)
		if err != nil {
			return nil, err
		}
		s[l] = struct{}{}
	}
	return s, nil
}

func (s Set) Has(l Language) bool {
	_, ok := s[l]
	return ok
}

func (s Set) Add(l Language) {
	s[l] = struct{}{}
}

func (s Set) Len() int {
	return len(s)
}

func (s Set) Clone() Set {
	out := make(Set, len(s))
	for l := range s {
		out[l] = struct{}{}
	}
	return out
}

// Intersect returns the languages present in both s and other.
func (s Set) Intersect(other Set) Set {
	out := make(Set)
	for l := range s {
		if other.Has(l) {
			out[l] = struct{}{}
		}
	}
	return out
}

// Equal reports whether s and other hold the same languages.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for l := range s {
		if !other.Has(l) {
			return false
		}
	}
	return true
}

// Sorted returns the members ordered by their string form.
func (s Set) Sorted() []Language {
	out := make([]Language, 0, len(s))
	for l := range s {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

// Strings returns the sorted string forms of the members.
func (s Set) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, l := range sorted {
		out[i] = l.String()
	}
	return out
}
