package pool

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gayhub/subpool/internal/language"
	"github.com/gayhub/subpool/internal/policy"
	"github.com/gayhub/subpool/internal/provider"
	"github.com/gayhub/subpool/internal/subtitle"
	"github.com/gayhub/subpool/internal/video"
)

func TestNewValidation(t *testing.T) {
	reg := provider.NewRegistry()
	reg.MustRegister("a", func(provider.Config) (provider.Provider, error) { return newStub("a", "en"), nil })

	cases := map[string]Options{
		"no registry":      {},
		"bad ban list":     {Registry: reg, BanList: policy.BanListConfig{MustContain: []string{"("}}},
		"bad equals arity": {Registry: reg, LanguageEquals: [][]string{{"en"}}},
		"bad equals lang":  {Registry: reg, LanguageEquals: [][]string{{"en", "??"}}},
		"unknown provider": {Registry: reg, Providers: []string{"nope"}},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := New(opts); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestProviderInitializesLazilyOnce(t *testing.T) {
	a := newStub("a", "en")
	h := newHarness(t, Options{ProviderConfigs: map[string]map[string]any{"a": {"token": "x"}}}, a)

	if _, _, inits, _ := a.counts(); inits != 0 {
		t.Fatalf("provider initialized before first use")
	}
	for i := 0; i < 3; i++ {
		if _, err := h.pool.Provider(context.Background(), "A"); err != nil {
			t.Fatalf("Provider: %v", err)
		}
	}
	if _, _, inits, _ := a.counts(); inits != 1 {
		t.Fatalf("inits = %d, want 1", inits)
	}
	if got := a.configs[0].String("token"); got != "x" {
		t.Fatalf("factory config token = %q", got)
	}
	if _, err := h.pool.Provider(context.Background(), "b"); !errors.Is(err, ErrProviderNotEnabled) {
		t.Fatalf("expected ErrProviderNotEnabled, got %v", err)
	}
}

func TestListSubtitlesDiscardsFailedProviderOnly(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "unexpected error", err: errBoom},
		{name: "no more results", err: provider.NewError("failing", "search", provider.KindNoMoreResults, errBoom)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			failing := newStub("failing", "en")
			failing.search = func(*video.Video, language.Set) ([]*subtitle.Subtitle, error) { return nil, tc.err }
			empty := newStub("empty", "en")
			empty.search = func(*video.Video, language.Set) ([]*subtitle.Subtitle, error) { return []*subtitle.Subtitle{}, nil }
			good := newStub("good", "en")
			good.search = func(*video.Video, language.Set) ([]*subtitle.Subtitle, error) {
				return []*subtitle.Subtitle{newSub("1", "en")}, nil
			}
			h := newHarness(t, Options{}, failing, empty, good)

			got := h.pool.ListSubtitles(context.Background(), movie(), langs("en"))
			if len(got) != 1 || got[0].ID != "1" || got[0].Provider != "good" {
				t.Fatalf("unexpected results %+v", got)
			}
			if !h.pool.IsDiscarded("failing") {
				t.Fatal("failing provider should be discarded")
			}
			if h.pool.IsDiscarded("empty") {
				t.Fatal("empty provider must stay enabled")
			}

			h.pool.ListSubtitles(context.Background(), movie(), langs("en"))
			if searches, _, _, _ := failing.counts(); searches != 1 {
				t.Fatalf("discarded provider searched %d times", searches)
			}
			if searches, _, _, _ := empty.counts(); searches != 2 {
				t.Fatalf("empty provider searched %d times, want 2", searches)
			}

			calls := h.throttled()
			if len(calls) != 1 || calls[0].name != "failing" || !errors.Is(calls[0].err, errBoom) {
				t.Fatalf("unexpected throttle calls %+v", calls)
			}
			if calls[0].ids.RadarrID != 42 || calls[0].lang.Code != "en" {
				t.Fatalf("throttle missing correlation data: %+v", calls[0])
			}
		})
	}
}

func TestListSubtitlesCancelledKeepsProvider(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := newStub("a", "en")
	a.search = func(*video.Video, language.Set) ([]*subtitle.Subtitle, error) {
		cancel()
		return nil, &url.Error{Op: "Get", URL: "https://example.test", Err: context.Canceled}
	}
	h := newHarness(t, Options{}, a)

	if got := h.pool.ListSubtitles(ctx, movie(), langs("en")); len(got) != 0 {
		t.Fatalf("unexpected results %+v", got)
	}
	if h.pool.IsDiscarded("a") {
		t.Fatal("cancelled search must not discard the provider")
	}
	if calls := h.throttled(); len(calls) != 0 {
		t.Fatalf("cancelled search throttled: %+v", calls)
	}
}

func TestListSubtitlesProviderBlacklistIgnoresCase(t *testing.T) {
	a := newStub("alpha", "en")
	a.search = func(*video.Video, language.Set) ([]*subtitle.Subtitle, error) {
		return []*subtitle.Subtitle{newSub("1", "en"), newSub("2", "en")}, nil
	}
	h := newHarness(t, Options{
		Providers: []string{"Alpha"},
		Blacklist: []policy.BlacklistEntry{{Provider: "Alpha", SubtitleID: "1"}},
	}, a)

	got, err := h.pool.ListSubtitlesProvider(context.Background(), "Alpha", movie(), langs("en"))
	if err != nil {
		t.Fatalf("ListSubtitlesProvider: %v", err)
	}
	if len(got) != 1 || got[0].ID != "2" {
		t.Fatalf("blacklisted subtitle returned: %+v", got)
	}
}

func TestListSubtitlesProviderDeduplicatesAndTags(t *testing.T) {
	a := newStub("a", "en")
	first := newSub("dup", "en")
	first.SetRelease("first")
	second := newSub("dup", "en")
	second.SetRelease("second")
	a.search = func(*video.Video, language.Set) ([]*subtitle.Subtitle, error) {
		return []*subtitle.Subtitle{first, newSub("other", "en"), second}, nil
	}
	h := newHarness(t, Options{}, a)

	got, err := h.pool.ListSubtitlesProvider(context.Background(), "a", movie(), langs("en"))
	if err != nil {
		t.Fatalf("ListSubtitlesProvider: %v", err)
	}
	if len(got) != 2 || got[0].Release() != "first" || got[1].ID != "other" {
		t.Fatalf("unexpected results %+v", got)
	}
	if got[0].IDs.RadarrID != 42 || got[0].PlexMediaFPS != 23.976 {
		t.Fatalf("result not tagged: %+v", got[0])
	}
}

func TestListSubtitlesProviderPolicies(t *testing.T) {
	a := newStub("a", "en")
	banned := newSub("banned", "en")
	banned.SetRelease("Heat.1995.CAM.x264")
	kept := newSub("kept", "en")
	kept.SetRelease("Heat.1995.1080p.BluRay")
	a.search = func(*video.Video, language.Set) ([]*subtitle.Subtitle, error) {
		return []*subtitle.Subtitle{newSub("blocked", "en"), banned, kept, newSub("norelease", "en")}, nil
	}
	h := newHarness(t, Options{
		Blacklist: []policy.BlacklistEntry{{Provider: "a", SubtitleID: "blocked"}},
		BanList:   policy.BanListConfig{MustNotContain: []string{`\bcam\b`}},
	}, a)

	got, err := h.pool.ListSubtitlesProvider(context.Background(), "a", movie(), langs("en"))
	if err != nil {
		t.Fatalf("ListSubtitlesProvider: %v", err)
	}
	var ids []string
	for _, s := range got {
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "kept,norelease" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestListSubtitlesProviderLanguageEquals(t *testing.T) {
	a := newStub("a", "pt", "en")
	a.search = func(_ *video.Video, l language.Set) ([]*subtitle.Subtitle, error) {
		return []*subtitle.Subtitle{newSub("1", "pt")}, nil
	}
	h := newHarness(t, Options{LanguageEquals: [][]string{{"pt", "pt-BR"}}}, a)

	got, err := h.pool.ListSubtitlesProvider(context.Background(), "a", movie(), langs("pt-BR"))
	if err != nil {
		t.Fatalf("ListSubtitlesProvider: %v", err)
	}
	if !a.asked.Equal(langs("pt")) {
		t.Fatalf("provider asked for %v, want only pt", a.asked.Strings())
	}
	if len(got) != 1 || got[0].Language.Code != "pt-BR" {
		t.Fatalf("result language not rewritten: %+v", got)
	}
}

func TestListSubtitlesProviderSoftRejections(t *testing.T) {
	t.Run("check fails", func(t *testing.T) {
		a := newStub("a", "en")
		a.reject = true
		h := newHarness(t, Options{}, a)
		got, err := h.pool.ListSubtitlesProvider(context.Background(), "a", movie(), langs("en"))
		if err != nil || got == nil || len(got) != 0 {
			t.Fatalf("want empty non-nil result, got %v, %v", got, err)
		}
		if searches, _, _, _ := a.counts(); searches != 0 {
			t.Fatal("provider searched despite failed check")
		}
	})
	t.Run("unsupported language", func(t *testing.T) {
		a := newStub("a", "fr")
		h := newHarness(t, Options{}, a)
		got, err := h.pool.ListSubtitlesProvider(context.Background(), "a", movie(), langs("en"))
		if err != nil || len(got) != 0 {
			t.Fatalf("want empty result, got %v, %v", got, err)
		}
	})
	t.Run("language hook", func(t *testing.T) {
		a := newStub("a", "en", "fr")
		h := newHarness(t, Options{LanguageHook: func(name string) language.Set { return langs("fr") }}, a)
		if _, err := h.pool.ListSubtitlesProvider(context.Background(), "a", movie(), langs("en", "fr")); err != nil {
			t.Fatalf("ListSubtitlesProvider: %v", err)
		}
		if !a.asked.Equal(langs("fr")) {
			t.Fatalf("asked %v, want fr", a.asked.Strings())
		}
	})
}

func TestListSubtitlesLanguageReverseKeepsProvider(t *testing.T) {
	a := newStub("a", "en")
	a.search = func(*video.Video, language.Set) ([]*subtitle.Subtitle, error) {
		return nil, provider.NewError("a", "search", provider.KindLanguageReverse, errors.New("unknown code xx"))
	}
	h := newHarness(t, Options{}, a)

	h.pool.ListSubtitles(context.Background(), movie(), langs("en"))
	if h.pool.IsDiscarded("a") {
		t.Fatal("language reversal must not discard the provider")
	}
	if len(h.throttled()) != 0 {
		t.Fatal("language reversal must not reach the throttle callback")
	}
}

func TestListSubtitlesInitFailureDiscards(t *testing.T) {
	a := newStub("a", "en")
	a.initErr = errBoom
	h := newHarness(t, Options{}, a)
	h.pool.ListSubtitles(context.Background(), movie(), langs("en"))
	if !h.pool.IsDiscarded("a") {
		t.Fatal("provider failing to initialize should be discarded")
	}
}

func TestDownloadSubtitleRetriesConnectionErrors(t *testing.T) {
	a := newStub("a", "en")
	a.download = func(*subtitle.Subtitle) error { return errConnection }
	h := newHarness(t, Options{}, a)

	s := newSub("1", "en")
	s.Provider = "a"
	if h.pool.DownloadSubtitle(context.Background(), s) {
		t.Fatal("download should fail")
	}
	if _, downloads, _, _ := a.counts(); downloads != 3 {
		t.Fatalf("downloads = %d, want 3", downloads)
	}
	if len(h.sleeps) != 2 || h.sleeps[0] != 6*time.Second || h.sleeps[1] != 6*time.Second {
		t.Fatalf("sleeps = %v, want two of 6s", h.sleeps)
	}
	if !h.pool.IsDiscarded("a") {
		t.Fatal("provider should be discarded after exhausting retries")
	}
	if len(h.throttled()) != 3 {
		t.Fatalf("throttle calls = %d, want 3", len(h.throttled()))
	}
}

func TestDownloadSubtitleCancelledKeepsProvider(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "wrapped canceled", err: &url.Error{Op: "Get", URL: "https://example.test", Err: context.Canceled}},
		{name: "connection error after cancel", err: errConnection},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			a := newStub("a", "en")
			a.download = func(*subtitle.Subtitle) error {
				cancel()
				return tc.err
			}
			h := newHarness(t, Options{}, a)

			s := newSub("1", "en")
			s.Provider = "a"
			if h.pool.DownloadSubtitle(ctx, s) {
				t.Fatal("download should fail")
			}
			if _, downloads, _, _ := a.counts(); downloads != 1 {
				t.Fatalf("downloads = %d, want 1", downloads)
			}
			if h.pool.IsDiscarded("a") {
				t.Fatal("cancelled download must not discard the provider")
			}
			if calls := h.throttled(); len(calls) != 0 {
				t.Fatalf("cancelled download throttled: %+v", calls)
			}
			if len(h.sleeps) != 0 {
				t.Fatalf("unexpected sleeps %v", h.sleeps)
			}
		})
	}
}

func TestDownloadSubtitleNoRetryClasses(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		discard bool
	}{
		{name: "archive", err: provider.NewError("a", "download", provider.KindArchive, errors.New("bad zip")), discard: false},
		{name: "must blacklist", err: provider.NewError("a", "download", provider.KindMustBlacklist, errors.New("gone")), discard: false},
		{name: "unexpected", err: errBoom, discard: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newStub("a", "en")
			a.download = func(*subtitle.Subtitle) error { return tc.err }
			h := newHarness(t, Options{}, a)

			s := newSub("1", "en")
			s.Provider = "a"
			if h.pool.DownloadSubtitle(context.Background(), s) {
				t.Fatal("download should fail")
			}
			if _, downloads, _, _ := a.counts(); downloads != 1 {
				t.Fatalf("downloads = %d, want 1", downloads)
			}
			if len(h.sleeps) != 0 {
				t.Fatalf("unexpected sleeps %v", h.sleeps)
			}
			if h.pool.IsDiscarded("a") != tc.discard {
				t.Fatalf("discarded = %v, want %v", h.pool.IsDiscarded("a"), tc.discard)
			}
			if len(h.throttled()) != 1 {
				t.Fatalf("throttle calls = %d, want 1", len(h.throttled()))
			}
		})
	}
}

func TestDownloadSubtitleRecoversAndNormalizes(t *testing.T) {
	a := newStub("a", "en")
	attempts := 0
	a.download = func(s *subtitle.Subtitle) error {
		attempts++
		if attempts == 1 {
			return errConnection
		}
		s.Content = []byte(srtBody)
		return nil
	}
	var pre, post int
	h := newHarness(t, Options{
		PreDownload:  func(*subtitle.Subtitle) { pre++ },
		PostDownload: func(*subtitle.Subtitle) { post++ },
	}, a)

	s := newSub("1", "en")
	s.Provider = "a"
	if !h.pool.DownloadSubtitle(context.Background(), s) {
		t.Fatal("download should succeed on second attempt")
	}
	if len(h.sleeps) != 1 {
		t.Fatalf("sleeps = %v, want 1", h.sleeps)
	}
	if strings.Contains(string(s.Content), "\r") {
		t.Fatalf("content not normalized: %q", s.Content)
	}
	if s.Format != subtitle.FormatSRT {
		t.Fatalf("format = %q", s.Format)
	}
	if pre != 2 || post != 1 {
		t.Fatalf("hooks pre=%d post=%d, want 2 and 1", pre, post)
	}
	if h.pool.IsDiscarded("a") {
		t.Fatal("provider should stay enabled")
	}
}

func TestDownloadSubtitleSkipsNormalizationWhenDisabled(t *testing.T) {
	a := newStub("a", "en")
	h := newHarness(t, Options{NoTextNormalization: true}, a)
	s := newSub("1", "en")
	s.Provider = "a"
	if !h.pool.DownloadSubtitle(context.Background(), s) {
		t.Fatal("download should succeed")
	}
	if string(s.Content) != srtBody {
		t.Fatalf("content changed: %q", s.Content)
	}
}

func TestDownloadSubtitleInvalidContent(t *testing.T) {
	a := newStub("a", "en")
	a.download = func(s *subtitle.Subtitle) error {
		s.Content = []byte("<html>rate limited</html>")
		return nil
	}
	h := newHarness(t, Options{}, a)
	s := newSub("1", "en")
	s.Provider = "a"
	if h.pool.DownloadSubtitle(context.Background(), s) {
		t.Fatal("invalid content must fail")
	}
	if h.pool.IsDiscarded("a") {
		t.Fatal("invalid content must not discard the provider")
	}
	if _, downloads, _, _ := a.counts(); downloads != 1 {
		t.Fatalf("downloads = %d, want 1", downloads)
	}
}

func TestDownloadSubtitleDiscardedProvider(t *testing.T) {
	a := newStub("a", "en")
	a.search = func(*video.Video, language.Set) ([]*subtitle.Subtitle, error) { return nil, errBoom }
	hooked := false
	h := newHarness(t, Options{PreDownload: func(*subtitle.Subtitle) { hooked = true }}, a)
	h.pool.ListSubtitles(context.Background(), movie(), langs("en"))

	s := newSub("1", "en")
	s.Provider = "a"
	if h.pool.DownloadSubtitle(context.Background(), s) {
		t.Fatal("download from discarded provider must fail")
	}
	if hooked {
		t.Fatal("hooks must not run for a discarded provider")
	}
	if _, downloads, _, _ := a.counts(); downloads != 0 {
		t.Fatal("discarded provider was called")
	}
}

func TestUpdateProvidersTerminatesRemovedAndClearsDiscard(t *testing.T) {
	a := newStub("a", "en")
	a.search = func(*video.Video, language.Set) ([]*subtitle.Subtitle, error) { return nil, errBoom }
	b := newStub("b", "en")
	h := newHarness(t, Options{}, a, b)
	ctx := context.Background()

	h.pool.ListSubtitles(ctx, movie(), langs("en"))
	if !h.pool.IsDiscarded("a") {
		t.Fatal("a should be discarded")
	}

	if _, err := h.pool.Update(ctx, UpdateOptions{Providers: []string{"b"}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, _, _, terms := a.counts(); terms != 1 {
		t.Fatalf("removed provider terminated %d times, want 1", terms)
	}
	if got := h.pool.Providers(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("providers = %v", got)
	}

	a.search = nil
	if _, err := h.pool.Update(ctx, UpdateOptions{Providers: []string{"a", "b"}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if h.pool.IsDiscarded("a") {
		t.Fatal("re-added provider should no longer be discarded")
	}
	if _, err := h.pool.Update(ctx, UpdateOptions{Providers: []string{"missing"}}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestUpdateReplacesPolicies(t *testing.T) {
	a := newStub("a", "en")
	a.search = func(*video.Video, language.Set) ([]*subtitle.Subtitle, error) {
		return []*subtitle.Subtitle{newSub("1", "en"), newSub("2", "en")}, nil
	}
	h := newHarness(t, Options{}, a)
	ctx := context.Background()

	if _, err := h.pool.Update(ctx, UpdateOptions{Blacklist: []policy.BlacklistEntry{{Provider: "a", SubtitleID: "1"}}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got := h.pool.ListSubtitles(ctx, movie(), langs("en"))
	if len(got) != 1 || got[0].ID != "2" {
		t.Fatalf("blacklist not applied: %+v", got)
	}
	if _, err := h.pool.Update(ctx, UpdateOptions{BanList: &policy.BanListConfig{MustContain: []string{"["}}}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestTerminateToleratesFailures(t *testing.T) {
	a := newStub("a", "en")
	a.termErr = errBoom
	b := newStub("b", "en")
	h := newHarness(t, Options{}, a, b)
	ctx := context.Background()
	for _, name := range []string{"a", "b"} {
		if _, err := h.pool.Provider(ctx, name); err != nil {
			t.Fatalf("Provider(%s): %v", name, err)
		}
	}

	h.pool.Terminate(ctx)
	if _, _, _, terms := b.counts(); terms != 1 {
		t.Fatal("b should be terminated despite a failing")
	}
	calls := h.throttled()
	if len(calls) != 1 || calls[0].name != "a" {
		t.Fatalf("unexpected throttle calls %+v", calls)
	}
	for _, st := range h.pool.States() {
		if st.Initialized {
			t.Fatalf("%s still initialized after Terminate", st.Name)
		}
	}
}

func TestUpdateRecyclesExpiredPool(t *testing.T) {
	a := newStub("a", "en")
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness(t, Options{Now: func() time.Time { return now }}, a)
	ctx := context.Background()

	if _, err := h.pool.Provider(ctx, "a"); err != nil {
		t.Fatalf("Provider: %v", err)
	}
	now = now.Add(time.Hour)
	h.pool.Update(ctx, UpdateOptions{})
	if _, _, _, terms := a.counts(); terms != 0 {
		t.Fatal("pool recycled before its lifetime")
	}

	now = now.Add(12 * time.Hour)
	h.pool.Update(ctx, UpdateOptions{})
	if _, _, _, terms := a.counts(); terms != 1 {
		t.Fatalf("terminates = %d, want 1", terms)
	}
	if _, err := h.pool.Provider(ctx, "a"); err != nil {
		t.Fatalf("Provider: %v", err)
	}
	if _, _, inits, _ := a.counts(); inits != 2 {
		t.Fatalf("inits = %d, want 2 after recycle", inits)
	}
}

func TestListSupportedMetadata(t *testing.T) {
	a := newStub("a", "pt")
	b := newStub("b", "en")
	b.kinds = []video.Kind{video.KindEpisode}
	h := newHarness(t, Options{LanguageEquals: [][]string{{"pt", "pt-BR"}}}, a, b)
	ctx := context.Background()

	got := h.pool.ListSupportedLanguages(ctx)
	if len(got) != 2 || got[0].Provider != "a" || !got[0].Languages.Equal(langs("pt", "pt-BR")) {
		t.Fatalf("unexpected languages %+v", got)
	}
	types := h.pool.ListSupportedVideoTypes(ctx)
	if len(types) != 2 || types[1].Provider != "b" || len(types[1].VideoTypes) != 1 {
		t.Fatalf("unexpected video types %+v", types)
	}
}
