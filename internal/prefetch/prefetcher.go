package prefetch

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/keyframed/relayd/internal/config"
	"github.com/keyframed/relayd/internal/diagnostics"
	"github.com/keyframed/relayd/internal/instrument"
	"golang.org/x/sync/semaphore"
)

// fetchTimeout bounds a single asset fetch.
var fetchTimeout = 15 * time.Second

// pageEntry marks a page whose assets have been prefetched.
type pageEntry struct {
	urls      []string
	fetchedAt time.Time
}

// Stats counts prefetcher activity for the HTTP API.
type Stats struct {
	Fetched   int64 `json:"fetched"`
	Misses    int64 `json:"misses"` // 400/404 responses, expected
	Errors    int64 `json:"errors"`
	Cancelled int64 `json:"cancelled"`
}

// Prefetcher fetches page assets ahead of the viewer with bounded
// concurrency. A new page context supersedes the previous batch: its
// in-flight fetches are aborted.
type Prefetcher struct {
	mu          sync.Mutex
	client      *http.Client
	diag        *diagnostics.Channel
	table       config.StrategyTable
	baseURL     string
	strategy    string
	caps        Capabilities
	currentPage int
	cache       map[int]pageEntry
	cancelBatch context.CancelFunc
	stats       Stats
}

// New creates a Prefetcher using the given HTTP client (so the http probe's
// transport wrapper observes prefetch traffic too) and strategy table.
func New(client *http.Client, table config.StrategyTable, diag *diagnostics.Channel) *Prefetcher {
	return &Prefetcher{
		client:   client,
		diag:     diag,
		table:    table,
		strategy: StrategyModerate,
		cache:    make(map[int]pageEntry),
	}
}

// SetBaseURL sets the media CDN base prepended to relative asset paths.
func (p *Prefetcher) SetBaseURL(base string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.baseURL = strings.TrimRight(base, "/")
}

// SetCapabilities records the client's device capabilities and reselects
// the strategy.
func (p *Prefetcher) SetCapabilities(caps Capabilities) string {
	strategy := ChooseStrategy(caps)
	p.mu.Lock()
	p.caps = caps
	p.strategy = strategy
	p.mu.Unlock()

	p.diag.Info("prefetch", "strategy selected", map[string]any{
		"strategy":  strategy,
		"memory_gb": caps.MemoryGB,
		"cpu_count": caps.CPUCount,
		"conn":      caps.Connection,
	}, "prefetch")
	return strategy
}

// UpdateContext moves the viewer to a new page. pages maps page numbers to
// their asset URLs (the client sends the pages adjacent to the current
// one). Any in-flight batch is aborted, then pages within the strategy's
// radius that are not already cached are prefetched.
func (p *Prefetcher) UpdateContext(current int, pages map[int][]string) {
	p.mu.Lock()
	if p.cancelBatch != nil {
		p.cancelBatch()
		p.cancelBatch = nil
	}
	p.currentPage = current

	profile, ok := p.table[p.strategy]
	if !ok || p.strategy == StrategyDisabled || profile.Concurrency <= 0 {
		p.mu.Unlock()
		return
	}

	// Pages in radius order: 1 ahead, 1 behind, 2 ahead, 2 behind...
	var targets []int
	for page, urls := range pages {
		if page == current || len(urls) == 0 {
			continue
		}
		dist := page - current
		if dist < 0 {
			dist = -dist
		}
		if dist > profile.Radius {
			continue
		}
		if _, cached := p.cache[page]; cached {
			continue
		}
		targets = append(targets, page)
	}
	sort.Slice(targets, func(i, j int) bool {
		di, dj := absDist(targets[i], current), absDist(targets[j], current)
		if di != dj {
			return di < dj
		}
		return targets[i] > targets[j] // ahead before behind at equal distance
	})

	ctx, cancel := context.WithCancel(context.Background())
	p.cancelBatch = cancel
	batch := make(map[int][]string, len(targets))
	for _, page := range targets {
		urls := make([]string, len(pages[page]))
		for i, u := range pages[page] {
			urls[i] = p.resolveURLLocked(u)
		}
		batch[page] = urls
	}
	concurrency := profile.Concurrency
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	instrument.Go("prefetch-batch", func() {
		p.runBatch(ctx, batch, concurrency, targets)
	})
}

// resolveURLLocked prepends the media base to relative asset paths. Caller
// holds p.mu.
func (p *Prefetcher) resolveURLLocked(url string) string {
	if p.baseURL == "" || strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return url
	}
	if !strings.HasPrefix(url, "/") {
		url = "/" + url
	}
	return p.baseURL + url
}

func absDist(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

// runBatch fetches the batch's assets under a weighted semaphore so total
// in-flight fetches never exceed the strategy's concurrency.
func (p *Prefetcher) runBatch(ctx context.Context, batch map[int][]string, concurrency int, order []int) {
	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup

	for _, page := range order {
		urls := batch[page]
		var pageWG sync.WaitGroup
		aborted := false
		for _, url := range urls {
			if err := sem.Acquire(ctx, 1); err != nil {
				// Batch aborted while waiting for a slot
				p.addCancelled(1)
				aborted = true
				break
			}
			wg.Add(1)
			pageWG.Add(1)
			url := url
			go func() {
				defer sem.Release(1)
				defer wg.Done()
				defer pageWG.Done()
				p.fetchOne(ctx, url)
			}()
		}
		// Record the page only once all its fetches finished and the batch
		// was not superseded; an aborted page must stay uncached so a later
		// context can prefetch it again.
		page, urls := page, urls
		wg.Add(1)
		go func() {
			defer wg.Done()
			pageWG.Wait()
			if ctx.Err() != nil {
				return
			}
			p.mu.Lock()
			p.cache[page] = pageEntry{urls: urls, fetchedAt: time.Now()}
			p.mu.Unlock()
		}()
		if aborted {
			break
		}
	}
	wg.Wait()
}

// fetchOne warms one asset. Missing assets (400/404) are expected for
// recently deleted or still-rendering media and are swallowed.
func (p *Prefetcher) fetchOne(ctx context.Context, url string) {
	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		p.mu.Lock()
		p.stats.Errors++
		p.mu.Unlock()
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			p.addCancelled(1)
			return
		}
		p.mu.Lock()
		p.stats.Errors++
		p.mu.Unlock()
		p.diag.Debug("prefetch", "asset fetch failed", map[string]any{
			"url":   url,
			"error": err.Error(),
		}, "prefetch")
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		p.mu.Lock()
		p.stats.Fetched++
		p.mu.Unlock()
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		// Expected miss, not retried
		p.mu.Lock()
		p.stats.Misses++
		p.mu.Unlock()
	default:
		p.mu.Lock()
		p.stats.Errors++
		p.mu.Unlock()
		p.diag.Debug("prefetch", "unexpected asset status", map[string]any{
			"url":    url,
			"status": resp.StatusCode,
		}, "prefetch")
	}
}

func (p *Prefetcher) addCancelled(n int64) {
	p.mu.Lock()
	p.stats.Cancelled += n
	p.mu.Unlock()
}

// Trim drops cached pages whose distance from the current page exceeds the
// strategy's keep range. Returns how many pages were dropped. Called
// periodically by the cron job and after page moves.
func (p *Prefetcher) Trim() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	profile, ok := p.table[p.strategy]
	keep := profile.KeepRange
	if !ok || keep <= 0 {
		keep = 1
	}

	dropped := 0
	for page := range p.cache {
		if absDist(page, p.currentPage) > keep {
			delete(p.cache, page)
			dropped++
		}
	}
	if dropped > 0 {
		p.diag.Debug("prefetch", "cache trimmed", map[string]any{
			"dropped": dropped,
			"kept":    len(p.cache),
		}, "prefetch")
	}
	return dropped
}

// Status is a snapshot of prefetcher state for the HTTP API.
type Status struct {
	Strategy    string       `json:"strategy"`
	Caps        Capabilities `json:"capabilities"`
	CurrentPage int          `json:"current_page"`
	CachedPages []int        `json:"cached_pages"`
	Stats       Stats        `json:"stats"`
}

// Status returns a snapshot of the prefetcher's state.
func (p *Prefetcher) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	pages := make([]int, 0, len(p.cache))
	for page := range p.cache {
		pages = append(pages, page)
	}
	sort.Ints(pages)

	return Status{
		Strategy:    p.strategy,
		Caps:        p.caps,
		CurrentPage: p.currentPage,
		CachedPages: pages,
		Stats:       p.stats,
	}
}

// Stop aborts any in-flight batch.
func (p *Prefetcher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelBatch != nil {
		p.cancelBatch()
		p.cancelBatch = nil
	}
}
