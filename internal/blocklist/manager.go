// Package blocklist implements the Blocklist Manager (C1): it produces, at
// any time, the current blocked-domain set and exposes it for lock-free
// concurrent reads, refreshing it from remote sources on a schedule or on
// demand.
//
// Grounded in the teacher's filtering.Parser/PolicyEngine shape (URL
// fetch + merge + per-source status tracking) and in
// original_source/app/helpers/adsblock.py's load_blacklist (same-day skip,
// per-URL retry, "N out of M" stats string, cache-on-startup).
package blocklist

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jroosing/hydracore/internal/storage"
)

// Source is one configured remote blocklist URL.
type Source struct {
	Name string
	URL  string
}

// Store is the narrow persistence surface the manager depends on.
type Store interface {
	UpsertBlocklistSource(ctx context.Context, url string, status storage.BlocklistSourceStatus, contents *string, count *int) error
	GetBlocklistSource(ctx context.Context, url string) (*storage.BlocklistSourceRow, error)
	UpsertSetting(ctx context.Context, key, value string) error
	GetSetting(ctx context.Context, key string) (string, bool, error)
}

const (
	settingBlockedDomains = "blocked-domains"
	settingBlockedStats   = "blocked-stats"
	settingLastFetched    = "blocked-last-fetched"

	fetchTimeout = 9 * time.Second
	fetchRetries = 3
)

// Manager holds the current blocked_set behind an atomic pointer so reads
// never observe a partially-built set, per spec.md Design Notes §9.
type Manager struct {
	logger *slog.Logger
	store  Store
	client *http.Client

	sources []Source
	custom  []string // additional domains always blocked
	whitelist []string

	set atomic.Pointer[map[string]struct{}]

	mu          sync.Mutex // serializes refresh
	lastFetched time.Time
}

// Config configures a Manager.
type Config struct {
	Sources   []Source
	Custom    []string
	Whitelist []string
	Logger    *slog.Logger
}

// SetSourcesConfig replaces the configured sources, custom entries, and
// whitelist without rebuilding the blocked set; the caller must follow up
// with Refresh(ctx, true) to rebuild from the new configuration. Used by
// the config watcher's hot-reload path (C5).
func (m *Manager) SetSourcesConfig(sources []Source, custom, whitelist []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = sources
	m.custom = custom
	m.whitelist = whitelist
}

// New constructs a Manager and restores the last-persisted blocked set (if
// any) synchronously, so listeners can bind against a warm set before the
// first real refresh completes in the background — the same sequencing
// original_source/app/main.py uses (load_cache before load_blacklist).
func New(ctx context.Context, store Store, cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:    logger,
		store:     store,
		client:    &http.Client{Timeout: fetchTimeout},
		sources:   cfg.Sources,
		custom:    cfg.Custom,
		whitelist: cfg.Whitelist,
	}

	empty := map[string]struct{}{}
	m.set.Store(&empty)
	m.restoreFromSettings(ctx)
	return m
}

func (m *Manager) restoreFromSettings(ctx context.Context) {
	raw, ok, err := m.store.GetSetting(ctx, settingBlockedDomains)
	if err != nil || !ok || raw == "" {
		return
	}
	lines := strings.Split(raw, "\n")
	restored := make(map[string]struct{}, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			restored[l] = struct{}{}
		}
	}
	m.set.Store(&restored)

	if ts, ok, _ := m.store.GetSetting(ctx, settingLastFetched); ok {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			m.lastFetched = parsed
		}
	}
	m.logger.Info("blocklist restored from persisted settings", "domains", len(restored))
}

// Current returns the currently installed blocked set. Non-blocking;
// callers never see a partially-built set.
func (m *Manager) Current() map[string]struct{} {
	return *m.set.Load()
}

// Contains reports whether qname (already lowercased, trailing dot) is in
// the current blocked set.
func (m *Manager) Contains(qname string) bool {
	set := m.Current()
	_, ok := set[qname]
	return ok
}

// RefreshResult summarizes the outcome of one refresh cycle.
type RefreshResult struct {
	Skipped     bool
	TotalDomains int
	FailedURLs  []string
}

// Refresh fetches all configured source URLs in parallel and rebuilds the
// union. If force is false and the prior fetch happened within the same
// UTC calendar day, it returns early without fetching. Reloads are
// serialized: an in-progress refresh blocks a concurrent one.
func (m *Manager) Refresh(ctx context.Context, force bool) (RefreshResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !force && !m.lastFetched.IsZero() && sameUTCDay(m.lastFetched, time.Now()) {
		return RefreshResult{Skipped: true}, nil
	}

	type fetchOutcome struct {
		source  Source
		domains []string
		lines   int
		err     error
	}

	outcomes := make([]fetchOutcome, len(m.sources))
	var wg sync.WaitGroup
	for i, src := range m.sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			domains, status, contents, totalLines, err := m.fetchWithRetry(ctx, src.URL)
			outcomes[i] = fetchOutcome{source: src, domains: domains, lines: totalLines, err: err}

			if err == nil {
				c := contents
				n := len(domains)
				_ = m.store.UpsertBlocklistSource(ctx, src.URL, status, &c, &n)
				m.logger.Info("blocklist source fetched", "name", src.Name, "url", src.URL, "domains", n, "lines", totalLines)
			} else {
				_ = m.store.UpsertBlocklistSource(ctx, src.URL, status, nil, nil)
				m.logger.Warn("blocklist source fetch failed", "name", src.Name, "url", src.URL, "err", err)
			}
		}(i, src)
	}
	wg.Wait()

	union := make(map[string]struct{})
	var failed []string
	totalSuccessParsed, totalLines := 0, 0

	for _, o := range outcomes {
		if o.err == nil {
			for _, d := range o.domains {
				union[d] = struct{}{}
			}
			totalSuccessParsed += len(o.domains)
			totalLines += o.lines
			continue
		}
		failed = append(failed, o.source.URL)
		// Soft failure: retain last persisted contents for this URL.
		if row, gerr := m.store.GetBlocklistSource(ctx, o.source.URL); gerr == nil && row != nil && row.Contents != "" {
			for _, line := range strings.Split(row.Contents, "\n") {
				if d, ok := parseLine(line); ok {
					union[d] = struct{}{}
					totalSuccessParsed++
				}
			}
		}
	}

	for _, d := range m.custom {
		union[normalizeDomain(d)] = struct{}{}
	}
	for _, w := range m.whitelist {
		delete(union, normalizeDomain(w))
	}

	m.set.Store(&union)
	m.lastFetched = time.Now()

	m.persistSnapshot(ctx, union, totalSuccessParsed, totalLines)

	return RefreshResult{TotalDomains: len(union), FailedURLs: failed}, nil
}

func (m *Manager) persistSnapshot(ctx context.Context, set map[string]struct{}, parsed, total int) {
	domains := make([]string, 0, len(set))
	for d := range set {
		domains = append(domains, d)
	}
	_ = m.store.UpsertSetting(ctx, settingBlockedDomains, strings.Join(domains, "\n"))
	if total > 0 {
		_ = m.store.UpsertSetting(ctx, settingBlockedStats, fmt.Sprintf("%d out of %d", parsed, total))
	}
	_ = m.store.UpsertSetting(ctx, settingLastFetched, m.lastFetched.Format(time.RFC3339))
}

// fetchWithRetry fetches url up to fetchRetries+1 times total, returning the
// parsed domains, the persisted status to record, the raw response body
// (for soft-failure fallback later), and the total line count.
func (m *Manager) fetchWithRetry(ctx context.Context, url string) (domains []string, status storage.BlocklistSourceStatus, contents string, totalLines int, err error) {
	var lastErr error
	for attempt := 0; attempt <= fetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, storage.StatusOther, "", 0, ctx.Err()
			case <-time.After(time.Second):
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		body, fetchErr := m.fetchOnce(reqCtx, url)
		cancel()
		if fetchErr != nil {
			lastErr = fetchErr
			continue
		}

		parsed, lines := parseDomains(bytes.NewReader(body))
		if len(parsed) == 0 {
			// Soft failure: zero domains parsed is treated as a failed fetch
			// for this attempt so the caller retains previous contents.
			lastErr = fmt.Errorf("blocklist: %s: no domains parsed from %d lines", url, lines)
			continue
		}
		return parsed, storage.StatusSuccess, string(body), lines, nil
	}
	return nil, classifyError(lastErr), "", 0, lastErr
}

func (m *Manager) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("blocklist: %s: http status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func classifyError(err error) storage.BlocklistSourceStatus {
	if err == nil {
		return storage.StatusSuccess
	}
	switch {
	case strings.Contains(err.Error(), "timeout"):
		return storage.StatusTimeout
	case strings.Contains(err.Error(), "http status"):
		return storage.StatusHTTPError
	case strings.Contains(err.Error(), "connect"):
		return storage.StatusConnectError
	case strings.Contains(err.Error(), "no domains parsed"):
		return storage.StatusReadError
	default:
		return storage.StatusOther
	}
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func normalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.TrimSuffix(d, ".")
	return d + "."
}

// LastFetched reports when the blocked set was last (re)built from sources.
func (m *Manager) LastFetched() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFetched
}

// Size returns the number of domains in the current blocked set.
func (m *Manager) Size() int {
	return len(m.Current())
}

// Count is a small helper used by stats endpoints; kept separate from Size
// so it can be formatted without holding the map.
func Count(set map[string]struct{}) string {
	return strconv.Itoa(len(set))
}
