// Package pool coordinates subtitle providers: lazy construction, policy
// filtering, a session-scoped discard set, and the retrying download path.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gayhub/subpool/internal/language"
	"github.com/gayhub/subpool/internal/logging"
	"github.com/gayhub/subpool/internal/policy"
	"github.com/gayhub/subpool/internal/provider"
	"github.com/gayhub/subpool/internal/subtitle"
	"github.com/gayhub/subpool/internal/video"
)

// Defaults applied when Options leaves the matching field zero.
const (
	// DefaultLifetime is how long initialized providers live before the pool
	// recycles them.
	DefaultLifetime = 12 * time.Hour
	// DefaultDownloadTries is the attempt budget for connection failures.
	DefaultDownloadTries = 3
	// DefaultRetrySleep is the pause between download attempts.
	DefaultRetrySleep = 6 * time.Second
)

var (
	// ErrProviderNotEnabled is returned for names outside the enabled set.
	ErrProviderNotEnabled = errors.New("provider not enabled")
	// ErrValidation wraps rejected Options and Update settings.
	ErrValidation = errors.New("invalid pool configuration")
)

// ThrottleFunc observes every provider failure the pool absorbs. ids is the
// target's correlation ids and lang a language involved in the call; both may
// be zero.
type ThrottleFunc func(name string, err error, ids video.IDs, lang language.Language)

// DownloadHook runs immediately before or after a provider download call.
type DownloadHook func(sub *subtitle.Subtitle)

// LanguageHook returns the default search languages for a provider.
type LanguageHook func(name string) language.Set

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Recorder receives pool events for metrics.
type Recorder interface {
	RecordSearch(provider, result string, d time.Duration)
	RecordDownload(provider, result string)
	RecordDiscard(provider, reason string)
	RecordRetry(provider string)
}

type nopRecorder struct{}

func (nopRecorder) RecordSearch(string, string, time.Duration) {}
func (nopRecorder) RecordDownload(string, string)              {}
func (nopRecorder) RecordDiscard(string, string)               {}
func (nopRecorder) RecordRetry(string)                         {}

// Options configures a Pool. Zero values select the documented defaults.
type Options struct {
	Providers       []string
	ProviderConfigs map[string]map[string]any
	Registry        *provider.Registry

	Blacklist      []policy.BlacklistEntry
	BanList        policy.BanListConfig
	LanguageEquals [][]string

	Throttle     ThrottleFunc
	PreDownload  DownloadHook
	PostDownload DownloadHook
	LanguageHook LanguageHook

	Logger   *slog.Logger
	Recorder Recorder

	Lifetime      time.Duration
	DownloadTries int
	RetrySleep    time.Duration
	Sleep         SleepFunc
	Now           func() time.Time

	// NoTextNormalization keeps downloaded content byte-for-byte.
	NoTextNormalization bool
	// ScoreExclusions are match tags left out of the maximum score used in
	// log percentages. Defaults to the hash tag.
	ScoreExclusions []string

	// MaxWorkers caps the async search fan-out; 0 means one per provider.
	MaxWorkers int
	// Sequential disables the async fan-out entirely.
	Sequential bool
}

// Pool owns the enabled providers of one session.
type Pool struct {
	registry *provider.Registry
	configs  *ConfigRegistry
	logger   *slog.Logger
	recorder Recorder

	throttle     ThrottleFunc
	preDownload  DownloadHook
	postDownload DownloadHook
	languageHook LanguageHook

	lifetime            time.Duration
	tries               int
	retrySleep          time.Duration
	sleep               SleepFunc
	now                 func() time.Time
	noTextNormalization bool
	scoreExclusions     map[string]struct{}

	mu          sync.Mutex
	providers   []string
	initialized map[string]provider.Provider
	initLocks   map[string]*sync.Mutex
	discarded   map[string]struct{}
	blacklist   *policy.Blacklist
	banList     *policy.BanList
	langEquals  *policy.LanguageEquals
	born        time.Time
}

// New validates opts and returns a pool. Malformed ban list patterns and
// language equivalences fail with ErrValidation.
func New(opts Options) (*Pool, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("%w: provider registry is required", ErrValidation)
	}
	banList, err := policy.NewBanList(opts.BanList)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	langEquals, err := policy.NewLanguageEquals(opts.LanguageEquals)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	p := &Pool{
		registry:            opts.Registry,
		configs:             NewConfigRegistry(opts.ProviderConfigs),
		logger:              opts.Logger,
		recorder:            opts.Recorder,
		throttle:            opts.Throttle,
		preDownload:         opts.PreDownload,
		postDownload:        opts.PostDownload,
		languageHook:        opts.LanguageHook,
		lifetime:            opts.Lifetime,
		tries:               opts.DownloadTries,
		retrySleep:          opts.RetrySleep,
		sleep:               opts.Sleep,
		now:                 opts.Now,
		noTextNormalization: opts.NoTextNormalization,
		providers:           normalizeNames(opts.Providers),
		initialized:         make(map[string]provider.Provider),
		initLocks:           make(map[string]*sync.Mutex),
		discarded:           make(map[string]struct{}),
		blacklist:           policy.NewBlacklist(opts.Blacklist),
		banList:             banList,
		langEquals:          langEquals,
	}
	if p.logger == nil {
		p.logger = logging.Discard()
	}
	if p.recorder == nil {
		p.recorder = nopRecorder{}
	}
	if p.throttle == nil {
		p.throttle = func(string, error, video.IDs, language.Language) {}
	}
	if p.lifetime <= 0 {
		p.lifetime = DefaultLifetime
	}
	if p.tries <= 0 {
		p.tries = DefaultDownloadTries
	}
	if p.retrySleep < 0 {
		p.retrySleep = 0
	} else if p.retrySleep == 0 {
		p.retrySleep = DefaultRetrySleep
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	if p.now == nil {
		p.now = time.Now
	}
	exclusions := opts.ScoreExclusions
	if exclusions == nil {
		exclusions = []string{subtitle.MatchHash}
	}
	p.scoreExclusions = make(map[string]struct{}, len(exclusions))
	for _, tag := range exclusions {
		p.scoreExclusions[tag] = struct{}{}
	}
	for _, name := range p.providers {
		if _, ok := p.registry.Get(name); !ok {
			return nil, fmt.Errorf("%w: unknown provider %q", ErrValidation, name)
		}
	}
	p.born = p.now()
	return p, nil
}

// Providers returns the enabled provider names in configured order.
func (p *Pool) Providers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.providers...)
}

// Discarded returns the discarded provider names.
func (p *Pool) Discarded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.discarded))
	for _, name := range p.providers {
		if _, ok := p.discarded[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// IsDiscarded reports whether name is in the discard set.
func (p *Pool) IsDiscarded(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.discarded[normalizeName(name)]
	return ok
}

// ProviderState is a snapshot of one enabled provider.
type ProviderState struct {
	Name        string `json:"name"`
	Initialized bool   `json:"initialized"`
	Discarded   bool   `json:"discarded"`
}

// States snapshots every enabled provider.
func (p *Pool) States() []ProviderState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ProviderState, 0, len(p.providers))
	for _, name := range p.providers {
		_, initialized := p.initialized[name]
		_, discarded := p.discarded[name]
		out = append(out, ProviderState{Name: name, Initialized: initialized, Discarded: discarded})
	}
	return out
}

// Configs exposes the provider configuration registry.
func (p *Pool) Configs() *ConfigRegistry {
	return p.configs
}

// Provider returns the live instance for name, constructing and initializing
// it on first use.
func (p *Pool) Provider(ctx context.Context, name string) (provider.Provider, error) {
	name = normalizeName(name)
	p.mu.Lock()
	if !p.isEnabledLocked(name) {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrProviderNotEnabled, name)
	}
	if inst, ok := p.initialized[name]; ok {
		p.mu.Unlock()
		return inst, nil
	}
	lock, ok := p.initLocks[name]
	if !ok {
		lock = &sync.Mutex{}
		p.initLocks[name] = lock
	}
	p.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	inst, ok := p.initialized[name]
	p.mu.Unlock()
	if ok {
		return inst, nil
	}

	inst, err := p.build(ctx, name, p.configs.Get(name))
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.initialized[name] = inst
	p.mu.Unlock()
	p.logger.Debug("provider initialized", "provider", name)
	return inst, nil
}

func (p *Pool) build(ctx context.Context, name string, cfg provider.Config) (provider.Provider, error) {
	factory, ok := p.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("provider %s: no factory registered", name)
	}
	inst, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create provider %s: %w", name, err)
	}
	if err := inst.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize provider %s: %w", name, err)
	}
	return inst, nil
}

// ListSubtitlesProvider searches one provider. A nil error with an empty
// slice is a soft failure; a non-nil error means the provider failed and the
// caller should treat it as unhealthy.
func (p *Pool) ListSubtitlesProvider(ctx context.Context, name string, v *video.Video, langs language.Set) ([]*subtitle.Subtitle, error) {
	name = normalizeName(name)
	log := p.logger.With("provider", name)

	p.mu.Lock()
	hook := p.languageHook
	p.mu.Unlock()
	base := langs
	if hook != nil {
		base = hook(name)
	}

	inst, err := p.Provider(ctx, name)
	if err != nil {
		if errors.Is(err, ErrProviderNotEnabled) || aborted(ctx, err) {
			return nil, err
		}
		log.Error("provider unavailable", "error", err)
		p.throttle(name, err, v.IDs, anyLanguage(langs))
		p.recorder.RecordSearch(name, "error", 0)
		return nil, err
	}

	if !inst.Check(v) {
		log.Debug("skipping provider: video not supported", "video", v.Name())
		return []*subtitle.Subtitle{}, nil
	}

	wanted := base.Intersect(langs)
	if wanted.Len() == 0 {
		log.Debug("skipping provider: no language to search for")
		return []*subtitle.Subtitle{}, nil
	}

	p.mu.Lock()
	langEquals, blacklist, banList := p.langEquals, p.blacklist, p.banList
	p.mu.Unlock()

	native := inst.Languages()
	wanted = langEquals.CheckSet(native).Intersect(wanted)
	if wanted.Len() == 0 {
		log.Debug("skipping provider: no supported language requested")
		return []*subtitle.Subtitle{}, nil
	}
	query := langEquals.Translate(wanted).Intersect(native)

	log.Info("listing subtitles", "video", v.Name(), "languages", query.Strings())
	started := p.now()
	raw, err := inst.ListSubtitles(ctx, v, query)
	elapsed := p.now().Sub(started)
	if err != nil {
		if aborted(ctx, err) {
			p.recorder.RecordSearch(name, "aborted", elapsed)
			return nil, err
		}
		p.recorder.RecordSearch(name, "error", elapsed)
		if provider.Classify(err) == provider.KindLanguageReverse {
			return nil, err
		}
		log.Error("unexpected error in provider", "error", err, "kind", provider.Classify(err).String())
		p.throttle(name, err, v.IDs, anyLanguage(langs))
		return nil, err
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]*subtitle.Subtitle, 0, len(raw))
	for _, sub := range raw {
		if sub == nil {
			continue
		}
		if sub.Provider == "" {
			sub.Provider = name
		}
		langEquals.UpdateSubtitle(sub)
		if !blacklist.IsValid(name, sub) {
			log.Info("skipping blacklisted subtitle", "subtitle_id", sub.ID)
			continue
		}
		if !banList.IsValid(sub) {
			log.Info("skipping subtitle because release name contains prohibited string", "subtitle_id", sub.ID, "release", sub.Release())
			continue
		}
		if _, dup := seen[sub.ID]; dup {
			continue
		}
		seen[sub.ID] = struct{}{}
		sub.Tag(v)
		out = append(out, sub)
	}

	result := "ok"
	if len(out) == 0 {
		result = "empty"
	}
	p.recorder.RecordSearch(name, result, elapsed)
	return out, nil
}

// ListSubtitles searches every enabled, non-discarded provider in order.
func (p *Pool) ListSubtitles(ctx context.Context, v *video.Video, langs language.Set) []*subtitle.Subtitle {
	var out []*subtitle.Subtitle
	for _, name := range p.active() {
		subs, err := p.ListSubtitlesProvider(ctx, name, v, langs)
		if err != nil {
			p.absorbSearchError(ctx, name, err)
			continue
		}
		out = append(out, subs...)
	}
	return out
}

// absorbSearchError applies the discard policy to a failed search. Language
// mapping failures are a provider library quirk, not a health signal.
func (p *Pool) absorbSearchError(ctx context.Context, name string, err error) {
	switch {
	case provider.Classify(err) == provider.KindLanguageReverse:
		p.logger.Warn("language mapping failed, skipping provider", "provider", name, "error", err)
	case errors.Is(err, ErrProviderNotEnabled):
		p.logger.Debug("provider removed during search", "provider", name)
	case aborted(ctx, err):
		p.logger.Debug("search aborted", "provider", name, "error", err)
	default:
		p.discard(name, provider.Classify(err).String())
	}
}

// DownloadSubtitle fetches sub's content from its provider, retrying
// connection failures. It reports whether sub now holds valid content.
func (p *Pool) DownloadSubtitle(ctx context.Context, sub *subtitle.Subtitle) bool {
	name := normalizeName(sub.Provider)
	log := p.logger.With("provider", name, "subtitle_id", sub.ID, "language", sub.Language.String())

	if p.IsDiscarded(name) {
		log.Warn("provider is discarded")
		return false
	}

	inst, err := p.Provider(ctx, name)
	if err != nil {
		if aborted(ctx, err) {
			log.Debug("download aborted", "error", err)
			p.recorder.RecordDownload(name, "aborted")
			return false
		}
		log.Error("provider unavailable", "error", err)
		p.throttle(name, err, sub.IDs, sub.Language)
		if !errors.Is(err, ErrProviderNotEnabled) {
			p.discard(name, provider.Classify(err).String())
		}
		p.recorder.RecordDownload(name, "error")
		return false
	}

	log.Info("downloading subtitle")
	for attempt := 1; ; attempt++ {
		if p.preDownload != nil {
			p.preDownload(sub)
		}
		err := inst.DownloadSubtitle(ctx, sub)
		if err == nil {
			if p.postDownload != nil {
				p.postDownload(sub)
			}
			break
		}

		if aborted(ctx, err) {
			log.Debug("download aborted", "error", err, "attempt", attempt)
			p.recorder.RecordDownload(name, "aborted")
			return false
		}
		kind := provider.Classify(err)
		switch kind {
		case provider.KindConnection:
			log.Error("provider connection error", "error", err, "attempt", attempt)
			p.throttle(name, err, sub.IDs, sub.Language)
			if attempt >= p.tries {
				log.Error("download failed after retries", "tries", p.tries)
				p.discard(name, kind.String())
				p.recorder.RecordDownload(name, "error")
				return false
			}
			p.recorder.RecordRetry(name)
			if err := p.sleep(ctx, p.retrySleep); err != nil {
				p.recorder.RecordDownload(name, "error")
				return false
			}
		case provider.KindArchive, provider.KindMustBlacklist:
			log.Error("subtitle rejected", "error", err, "kind", kind.String())
			p.throttle(name, err, sub.IDs, sub.Language)
			p.recorder.RecordDownload(name, "rejected")
			return false
		default:
			log.Error("unexpected error in provider, discarding it", "error", err, "kind", kind.String())
			p.throttle(name, err, sub.IDs, sub.Language)
			p.discard(name, kind.String())
			p.recorder.RecordDownload(name, "error")
			return false
		}
	}

	if !sub.IsValid() {
		log.Error("invalid subtitle content")
		p.recorder.RecordDownload(name, "invalid")
		return false
	}
	if !p.noTextNormalization {
		if err := sub.Normalize(); err != nil {
			log.Error("normalize subtitle", "error", err)
			p.recorder.RecordDownload(name, "invalid")
			return false
		}
	}
	p.recorder.RecordDownload(name, "ok")
	return true
}

// ProviderLanguages is the capability set one provider advertises.
type ProviderLanguages struct {
	Provider  string
	Languages language.Set
}

// ProviderVideoTypes lists the video kinds one provider handles.
type ProviderVideoTypes struct {
	Provider   string
	VideoTypes []video.Kind
}

// ListSupportedLanguages returns the advertised languages of every enabled,
// non-discarded provider, widened by the language equivalences.
func (p *Pool) ListSupportedLanguages(ctx context.Context) []ProviderLanguages {
	var out []ProviderLanguages
	for _, name := range p.active() {
		if item, ok := p.supportedLanguages(ctx, name); ok {
			out = append(out, item)
		}
	}
	return out
}

func (p *Pool) supportedLanguages(ctx context.Context, name string) (ProviderLanguages, bool) {
	inst, err := p.metadataProvider(ctx, name)
	if err != nil {
		return ProviderLanguages{}, false
	}
	p.mu.Lock()
	langEquals := p.langEquals
	p.mu.Unlock()
	return ProviderLanguages{Provider: name, Languages: langEquals.CheckSet(inst.Languages())}, true
}

// ListSupportedVideoTypes returns the video kinds of every enabled,
// non-discarded provider.
func (p *Pool) ListSupportedVideoTypes(ctx context.Context) []ProviderVideoTypes {
	var out []ProviderVideoTypes
	for _, name := range p.active() {
		if item, ok := p.supportedVideoTypes(ctx, name); ok {
			out = append(out, item)
		}
	}
	return out
}

func (p *Pool) supportedVideoTypes(ctx context.Context, name string) (ProviderVideoTypes, bool) {
	inst, err := p.metadataProvider(ctx, name)
	if err != nil {
		return ProviderVideoTypes{}, false
	}
	return ProviderVideoTypes{Provider: name, VideoTypes: append([]video.Kind(nil), inst.VideoTypes()...)}, true
}

func (p *Pool) metadataProvider(ctx context.Context, name string) (provider.Provider, error) {
	inst, err := p.Provider(ctx, name)
	if err != nil && !errors.Is(err, ErrProviderNotEnabled) && !aborted(ctx, err) {
		p.logger.Error("provider unavailable", "provider", name, "error", err)
		p.throttle(name, err, video.IDs{}, language.Language{})
		p.discard(name, provider.Classify(err).String())
	}
	return inst, err
}

// UpdateOptions carries the settings Update may change. Nil fields keep the
// current value.
type UpdateOptions struct {
	Providers       []string
	ProviderConfigs map[string]map[string]any
	Blacklist       []policy.BlacklistEntry
	BanList         *policy.BanListConfig
	LanguageEquals  [][]string
	LanguageHook    LanguageHook
}

// Update applies new settings. It first recycles the pool when it has
// outlived its lifetime. It returns the providers restarted because their
// configuration changed.
func (p *Pool) Update(ctx context.Context, opts UpdateOptions) ([]string, error) {
	p.checkLifetime(ctx)

	var (
		banList    *policy.BanList
		langEquals *policy.LanguageEquals
		err        error
	)
	if opts.BanList != nil {
		if banList, err = policy.NewBanList(*opts.BanList); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	if opts.LanguageEquals != nil {
		if langEquals, err = policy.NewLanguageEquals(opts.LanguageEquals); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	if opts.Providers != nil {
		next := normalizeNames(opts.Providers)
		for _, name := range next {
			if _, ok := p.registry.Get(name); !ok {
				return nil, fmt.Errorf("%w: unknown provider %q", ErrValidation, name)
			}
		}
		p.setProviders(ctx, next)
	}

	var updated []string
	if opts.ProviderConfigs != nil {
		updated = p.configs.Update(ctx, p, opts.ProviderConfigs)
	}

	p.mu.Lock()
	if opts.Blacklist != nil {
		p.blacklist = policy.NewBlacklist(opts.Blacklist)
	}
	if banList != nil {
		p.banList = banList
	}
	if langEquals != nil {
		p.langEquals = langEquals
	}
	if opts.LanguageHook != nil {
		p.languageHook = opts.LanguageHook
	}
	p.mu.Unlock()
	return updated, nil
}

func (p *Pool) setProviders(ctx context.Context, next []string) {
	nextSet := make(map[string]struct{}, len(next))
	for _, name := range next {
		nextSet[name] = struct{}{}
	}

	p.mu.Lock()
	prevSet := make(map[string]struct{}, len(p.providers))
	for _, name := range p.providers {
		prevSet[name] = struct{}{}
	}
	var removed []provider.Provider
	var removedNames []string
	for name := range prevSet {
		if _, keep := nextSet[name]; keep {
			continue
		}
		if inst, ok := p.initialized[name]; ok {
			removed = append(removed, inst)
			removedNames = append(removedNames, name)
			delete(p.initialized, name)
		}
	}
	for _, name := range next {
		if _, existed := prevSet[name]; !existed {
			delete(p.discarded, name)
		}
	}
	p.providers = next
	p.mu.Unlock()

	for i, inst := range removed {
		p.terminateOne(ctx, removedNames[i], inst)
	}
}

// Terminate shuts down every initialized provider. Failures are logged and
// reported to the throttle callback; the rest are still terminated.
func (p *Pool) Terminate(ctx context.Context) {
	p.mu.Lock()
	live := p.initialized
	p.initialized = make(map[string]provider.Provider)
	order := append([]string(nil), p.providers...)
	p.mu.Unlock()

	for _, name := range order {
		if inst, ok := live[name]; ok {
			p.terminateOne(ctx, name, inst)
			delete(live, name)
		}
	}
	for name, inst := range live {
		p.terminateOne(ctx, name, inst)
	}
}

func (p *Pool) terminateOne(ctx context.Context, name string, inst provider.Provider) {
	if err := inst.Terminate(ctx); err != nil {
		p.logger.Error("provider terminate failed", "provider", name, "error", err)
		p.throttle(name, err, video.IDs{}, language.Language{})
		return
	}
	p.logger.Debug("provider terminated", "provider", name)
}

func (p *Pool) checkLifetime(ctx context.Context) {
	p.mu.Lock()
	expired := p.now().Sub(p.born) > p.lifetime
	p.mu.Unlock()
	if !expired {
		return
	}
	p.logger.Info("pool lifetime exceeded, recycling providers", "lifetime", p.lifetime.String())
	p.Terminate(ctx)
	p.mu.Lock()
	p.born = p.now()
	p.mu.Unlock()
}

func (p *Pool) discard(name, reason string) {
	p.mu.Lock()
	_, already := p.discarded[name]
	p.discarded[name] = struct{}{}
	p.mu.Unlock()
	if !already {
		p.logger.Warn("provider discarded", "provider", name, "reason", reason)
		p.recorder.RecordDiscard(name, reason)
	}
}

// active returns enabled providers that are not discarded.
func (p *Pool) active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.providers))
	for _, name := range p.providers {
		if _, gone := p.discarded[name]; gone {
			continue
		}
		out = append(out, name)
	}
	return out
}

func (p *Pool) isEnabledLocked(name string) bool {
	for _, n := range p.providers {
		if n == name {
			return true
		}
	}
	return false
}

// isEnabled and restart let the config registry drive provider restarts.
func (p *Pool) isEnabled(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isEnabledLocked(name)
}

func (p *Pool) restart(ctx context.Context, name string, cfg provider.Config) error {
	inst, err := p.build(ctx, name, cfg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	old, hadOld := p.initialized[name]
	p.initialized[name] = inst
	p.mu.Unlock()
	if hadOld {
		p.terminateOne(ctx, name, old)
	}
	p.logger.Info("provider restarted with new configuration", "provider", name)
	return nil
}

func (p *Pool) notifyThrottle(name string, err error) {
	p.throttle(name, err, video.IDs{}, language.Language{})
}

// aborted reports whether err comes from the caller giving up rather than
// the provider failing.
func aborted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func anyLanguage(langs language.Set) language.Language {
	sorted := langs.Sorted()
	if len(sorted) == 0 {
		return language.Language{}
	}
	return sorted[0]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func normalizeNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = normalizeName(n)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
