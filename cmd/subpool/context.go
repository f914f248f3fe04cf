package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/gayhub/subpool/internal/config"
	"github.com/gayhub/subpool/internal/language"
	"github.com/gayhub/subpool/internal/logging"
	"github.com/gayhub/subpool/internal/pool"
	"github.com/gayhub/subpool/internal/provider"
	"github.com/gayhub/subpool/internal/provider/assrt"
	"github.com/gayhub/subpool/internal/provider/opensubtitles"
	"github.com/gayhub/subpool/internal/server"
	"github.com/gayhub/subpool/internal/video"
)

// subtitlePool is what the commands need from either pool flavour.
type subtitlePool interface {
	server.SubtitlePool
	Terminate(ctx context.Context)
}

type commandContext struct {
	configFlag   *string
	logLevelFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		logLevelFlag: logLevelFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if c.logLevelFlag != nil && strings.TrimSpace(*c.logLevelFlag) != "" {
			cfg.Logging.Level = strings.ToLower(strings.TrimSpace(*c.logLevelFlag))
		}
		c.config = &cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() (*slog.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
}

func newRegistry() *provider.Registry {
	reg := provider.NewRegistry()
	reg.MustRegister(assrt.Name, assrt.New)
	reg.MustRegister(opensubtitles.Name, opensubtitles.New)
	return reg
}

func poolOptions(cfg config.Config, reg *provider.Registry, logger *slog.Logger, rec pool.Recorder) pool.Options {
	return pool.Options{
		Providers:       cfg.Pool.Providers,
		ProviderConfigs: cfg.Pool.ProviderConfigs,
		Registry:        reg,
		Blacklist:       cfg.Pool.Blacklist,
		BanList:         cfg.Pool.BanList,
		LanguageEquals:  cfg.Pool.LanguageEquals,
		Throttle: func(name string, err error, ids video.IDs, lang language.Language) {
			logger.Warn("provider throttled",
				"provider", name,
				"error", err,
				"language", lang.String(),
				"ids", ids.Fields(),
			)
		},
		Logger:              logger.With("component", "pool"),
		Recorder:            rec,
		Lifetime:            cfg.Pool.Lifetime(),
		DownloadTries:       cfg.Pool.DownloadTries,
		RetrySleep:          cfg.Pool.RetrySleep(),
		NoTextNormalization: cfg.Pool.NoTextNormalization,
		ScoreExclusions:     cfg.Pool.ScoreExclusions,
		MaxWorkers:          cfg.Pool.MaxWorkers,
		Sequential:          !cfg.Pool.Async,
	}
}

func newPool(opts pool.Options) (subtitlePool, error) {
	if opts.Sequential {
		p, err := pool.New(opts)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	p, err := pool.NewAsync(opts)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// downloadSettings resolves the languages and HI preference, letting flags
// override the configuration.
func downloadSettings(cfg *config.Config, langFlags []string, hiFlag string) (language.Set, pool.HIPreference, error) {
	raw := cfg.Pool.Languages
	if len(langFlags) > 0 {
		raw = langFlags
	}
	langs, err := language.ParseSet(raw)
	if err != nil {
		return nil, pool.HIDisabled, err
	}
	if langs.Len() == 0 {
		return nil, pool.HIDisabled, fmt.Errorf("no languages requested")
	}
	rawHI := cfg.Pool.HearingImpaired
	if hiFlag != "" {
		rawHI = hiFlag
	}
	pref, err := pool.ParseHIPreference(rawHI)
	if err != nil {
		return nil, pool.HIDisabled, err
	}
	return langs, pref, nil
}
