package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gayhub/subpool/internal/language"
	"github.com/gayhub/subpool/internal/provider"
	"github.com/gayhub/subpool/internal/subtitle"
	"github.com/gayhub/subpool/internal/video"
)

const srtBody = "1\r\n00:00:01,000 --> 00:00:02,000\r\nHello\r\n"

var (
	errBoom       = errors.New("boom")
	errConnection = provider.NewError("stub", "download", provider.KindConnection, errors.New("connection reset"))
)

// stubProvider is a scriptable provider that counts its calls.
type stubProvider struct {
	name   string
	langs  language.Set
	kinds  []video.Kind
	reject bool

	search   func(v *video.Video, langs language.Set) ([]*subtitle.Subtitle, error)
	download func(sub *subtitle.Subtitle) error
	initErr  error
	termErr  error

	mu         sync.Mutex
	searches   int
	downloads  int
	inits      int
	terminates int
	asked      language.Set
	configs    []provider.Config
}

func newStub(name string, langs ...string) *stubProvider {
	set := make(language.Set)
	for _, l := range langs {
		set.Add(language.MustParse(l))
	}
	return &stubProvider{name: name, langs: set, kinds: []video.Kind{video.KindMovie, video.KindEpisode}}
}

func (s *stubProvider) Name() string             { return s.name }
func (s *stubProvider) Languages() language.Set  { return s.langs }
func (s *stubProvider) VideoTypes() []video.Kind { return s.kinds }
func (s *stubProvider) Check(*video.Video) bool  { return !s.reject }

func (s *stubProvider) Initialize(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inits++
	return s.initErr
}

func (s *stubProvider) Terminate(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminates++
	return s.termErr
}

func (s *stubProvider) ListSubtitles(_ context.Context, v *video.Video, langs language.Set) ([]*subtitle.Subtitle, error) {
	s.mu.Lock()
	s.searches++
	s.asked = langs.Clone()
	s.mu.Unlock()
	if s.search == nil {
		return nil, nil
	}
	return s.search(v, langs)
}

func (s *stubProvider) DownloadSubtitle(_ context.Context, sub *subtitle.Subtitle) error {
	s.mu.Lock()
	s.downloads++
	s.mu.Unlock()
	if s.download != nil {
		return s.download(sub)
	}
	sub.Content = []byte(srtBody)
	return nil
}

func (s *stubProvider) counts() (searches, downloads, inits, terminates int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searches, s.downloads, s.inits, s.terminates
}

type throttleCall struct {
	name string
	err  error
	ids  video.IDs
	lang language.Language
}

type harness struct {
	pool     *Pool
	mu       sync.Mutex
	throttle []throttleCall
	sleeps   []time.Duration
}

func (h *harness) throttled() []throttleCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]throttleCall(nil), h.throttle...)
}

// newHarness builds a pool over stubs; every factory call returns the same
// stub so tests can inspect it.
func newHarness(t *testing.T, opts Options, stubs ...*stubProvider) *harness {
	t.Helper()
	h := &harness{}
	reg := provider.NewRegistry()
	names := make([]string, 0, len(stubs))
	for _, s := range stubs {
		s := s
		reg.MustRegister(s.name, func(cfg provider.Config) (provider.Provider, error) {
			s.mu.Lock()
			s.configs = append(s.configs, cfg)
			s.mu.Unlock()
			return s, nil
		})
		names = append(names, s.name)
	}
	if opts.Providers == nil {
		opts.Providers = names
	}
	opts.Registry = reg
	opts.Throttle = func(name string, err error, ids video.IDs, lang language.Language) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.throttle = append(h.throttle, throttleCall{name: name, err: err, ids: ids, lang: lang})
	}
	opts.Sleep = func(_ context.Context, d time.Duration) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	p, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.pool = p
	return h
}

func langs(codes ...string) language.Set {
	set := make(language.Set)
	for _, c := range codes {
		set.Add(language.MustParse(c))
	}
	return set
}

func newSub(id, lang string) *subtitle.Subtitle {
	return &subtitle.Subtitle{ID: id, Language: language.MustParse(lang)}
}

func movie() *video.Video {
	return &video.Video{
		Path:  "/media/Heat (1995)/Heat.1995.1080p.BluRay.x264.mkv",
		Kind:  video.KindMovie,
		Title: "Heat",
		Year:  1995,
		FPS:   23.976,
		IDs:   video.IDs{RadarrID: 42},
	}
}
