package pool

import (
	"context"
	"sync"

	"github.com/gayhub/subpool/internal/language"
	"github.com/gayhub/subpool/internal/subtitle"
	"github.com/gayhub/subpool/internal/video"
)

// AsyncPool is a Pool whose searches and metadata queries fan out over a
// bounded worker pool. Downloads stay sequential.
type AsyncPool struct {
	*Pool
	maxWorkers int
	sequential bool
}

// NewAsync builds the pool described by opts with concurrent fan-out.
func NewAsync(opts Options) (*AsyncPool, error) {
	p, err := New(opts)
	if err != nil {
		return nil, err
	}
	return &AsyncPool{Pool: p, maxWorkers: opts.MaxWorkers, sequential: opts.Sequential}, nil
}

// workers sizes the fan-out for n providers.
func (a *AsyncPool) workers(n int) int {
	w := n
	if a.maxWorkers > 0 && w > a.maxWorkers {
		w = a.maxWorkers
	}
	if w < 1 {
		w = 1
	}
	return w
}

// ListSubtitles searches every active provider concurrently. Results arrive in
// completion order; a failed provider is discarded exactly as in Pool.
func (a *AsyncPool) ListSubtitles(ctx context.Context, v *video.Video, langs language.Set) []*subtitle.Subtitle {
	names := a.active()
	workers := a.workers(len(names))
	if a.sequential || workers == 1 {
		return a.Pool.ListSubtitles(ctx, v, langs)
	}

	type searchResult struct {
		name string
		subs []*subtitle.Subtitle
		err  error
	}
	results := fanOut(names, workers, func(name string) searchResult {
		subs, err := a.ListSubtitlesProvider(ctx, name, v, langs)
		return searchResult{name: name, subs: subs, err: err}
	})

	var out []*subtitle.Subtitle
	for r := range results {
		if r.err != nil {
			a.absorbSearchError(ctx, r.name, r.err)
			continue
		}
		out = append(out, r.subs...)
	}
	return out
}

// ListSupportedLanguages queries every active provider concurrently.
func (a *AsyncPool) ListSupportedLanguages(ctx context.Context) []ProviderLanguages {
	names := a.active()
	workers := a.workers(len(names))
	if a.sequential || workers == 1 {
		return a.Pool.ListSupportedLanguages(ctx)
	}

	type langResult struct {
		item ProviderLanguages
		ok   bool
	}
	results := fanOut(names, workers, func(name string) langResult {
		item, ok := a.supportedLanguages(ctx, name)
		return langResult{item: item, ok: ok}
	})
	var out []ProviderLanguages
	for r := range results {
		if r.ok {
			out = append(out, r.item)
		}
	}
	return out
}

// ListSupportedVideoTypes queries every active provider concurrently.
func (a *AsyncPool) ListSupportedVideoTypes(ctx context.Context) []ProviderVideoTypes {
	names := a.active()
	workers := a.workers(len(names))
	if a.sequential || workers == 1 {
		return a.Pool.ListSupportedVideoTypes(ctx)
	}

	type typeResult struct {
		item ProviderVideoTypes
		ok   bool
	}
	results := fanOut(names, workers, func(name string) typeResult {
		item, ok := a.supportedVideoTypes(ctx, name)
		return typeResult{item: item, ok: ok}
	})
	var out []ProviderVideoTypes
	for r := range results {
		if r.ok {
			out = append(out, r.item)
		}
	}
	return out
}

// fanOut runs task for every name on workers goroutines. The returned channel
// is closed once every task has finished.
func fanOut[T any](names []string, workers int, task func(name string) T) <-chan T {
	jobs := make(chan string)
	results := make(chan T, len(names))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range jobs {
				results <- task(name)
			}
		}()
	}

	go func() {
		for _, name := range names {
			jobs <- name
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()
	return results
}
