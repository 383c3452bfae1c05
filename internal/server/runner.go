package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jroosing/hydracore/internal/blocklist"
	"github.com/jroosing/hydracore/internal/cache"
	"github.com/jroosing/hydracore/internal/config"
	"github.com/jroosing/hydracore/internal/pipeline"
	"github.com/jroosing/hydracore/internal/storage"
)

// Runner orchestrates the DNS server startup, configuration, and shutdown.
// Once Run has started the listeners, Reload may be called concurrently
// (from the config watcher's goroutine) to apply a hot-reloaded config (C5).
type Runner struct {
	logger *slog.Logger

	ctx context.Context

	// mu guards the fields below, all populated by Run and mutated by
	// Reload. A reload that arrives before Run has finished wiring these up
	// is a programmer error, not a race Reload needs to defend against.
	mu      sync.Mutex
	bl      *blocklist.Manager
	pipe    *pipeline.Pipeline
	handler *QueryHandler
	limiter *RateLimiter
	errCh   chan error

	udp *UDPServer
	doh *DoHServer
	dot *DoTServer

	dnsAddr  string
	dohAddr  string
	dotAddr  string
	certFile string
	keyFile  string
}

// NewRunner creates a new server runner with the given logger.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Run wires up storage, the blocklist manager, the response cache and the
// resolver pipeline, starts the UDP/DoH/DoT listeners, and blocks until a
// shutdown signal or a listener error arrives.
//
// Server lifecycle:
//  1. Open storage and build the blocklist manager, cache, and pipeline (C1-C3)
//  2. Start the periodic refresh of the blocklist manager (runBlocklistRefresh)
//  3. Start UDP/53, and DoH/DoT if a cert pair is configured
//  4. Wait for shutdown signal (SIGINT/SIGTERM) or a listener error
//  5. Gracefully stop listeners with a timeout
func (r *Runner) Run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	r.ctx = ctx

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	bl := blocklist.New(ctx, db, blocklist.Config{
		Sources:   blocklistSources(cfg.Blocklist.Sources),
		Custom:    cfg.Blocklist.Custom,
		Whitelist: cfg.Blocklist.Whitelist,
		Logger:    r.logger,
	})
	go r.runBlocklistRefresh(ctx, bl, cfg.Blocklist.ReloadInterval)

	var respCache *cache.ResponseCache
	if cfg.Cache.Enable {
		respCache = cache.New(cfg.Cache.MaxSize, time.Duration(cfg.Cache.TTL)*time.Second)
	}

	p := pipeline.New(pipeline.Config{
		Blocklist:    bl,
		Cache:        respCache,
		Store:        db,
		CustomHosts:  cfg.DNS.Hosts,
		CustomCNAMEs: cfg.DNS.CNAMEs,
		CustomPTRs:   cfg.DNS.PTRs,
		Forwarders:   toForwardRules(cfg.Forward),
		Upstreams:    cfg.Upstream.Servers,
		HTTPClient:   &http.Client{Timeout: 9 * time.Second},
		Logger:       r.logger,
	})

	stats := NewDNSStats()
	go r.logStatsPeriodically(ctx, stats)

	// Timeout must exceed the upstream pool's own 9s retry budget (see
	// pipeline.defaultTimeout) or every upstream retry attempt gets cut off
	// by SERVFAIL before it has a chance to succeed.
	h := &QueryHandler{Logger: r.logger, Resolver: p, Timeout: 10 * time.Second, Stats: stats}
	limiter := NewRateLimiter(RateLimitSettings{
		CleanupSeconds:   cfg.RateLimit.CleanupSeconds,
		MaxIPEntries:     cfg.RateLimit.MaxIPEntries,
		MaxPrefixEntries: cfg.RateLimit.MaxPrefixEntries,
		GlobalQPS:        cfg.RateLimit.GlobalQPS,
		GlobalBurst:      cfg.RateLimit.GlobalBurst,
		PrefixQPS:        cfg.RateLimit.PrefixQPS,
		PrefixBurst:      cfg.RateLimit.PrefixBurst,
		IPQPS:            cfg.RateLimit.IPQPS,
		IPBurst:          cfg.RateLimit.IPBurst,
	})

	dnsAddr := net.JoinHostPort(cfg.DNS.Hostname, strconv.Itoa(cfg.DNS.Port))
	udp := &UDPServer{Logger: r.logger, Handler: h, Limiter: limiter}

	var doh *DoHServer
	var dot *DoTServer
	tlsReady := cfg.SSL.CertFile != "" && cfg.SSL.KeyFile != ""
	if tlsReady {
		doh = &DoHServer{Logger: r.logger, Handler: h, CertFile: cfg.SSL.CertFile, KeyFile: cfg.SSL.KeyFile}
		dot = &DoTServer{TCPServer: TCPServer{Logger: r.logger, Handler: h}, CertFile: cfg.SSL.CertFile, KeyFile: cfg.SSL.KeyFile}
	} else if r.logger != nil {
		r.logger.Warn("ssl.certfile/keyfile not configured, DoH and DoT listeners disabled")
	}

	r.logStartup(cfg, dnsAddr, tlsReady)

	// Buffered generously: Reload recreates listeners in place, and each
	// recreation adds another goroutine that may write to errCh after the
	// original three, so it must outlive a handful of reloads.
	errCh := make(chan error, 16)

	r.mu.Lock()
	r.bl = bl
	r.pipe = p
	r.handler = h
	r.limiter = limiter
	r.errCh = errCh
	r.udp = udp
	r.doh = doh
	r.dot = dot
	r.dnsAddr = dnsAddr
	r.certFile = cfg.SSL.CertFile
	r.keyFile = cfg.SSL.KeyFile
	r.mu.Unlock()

	go func() { errCh <- udp.Run(ctx, dnsAddr) }()
	if doh != nil {
		dohAddr := net.JoinHostPort(cfg.DoH.Hostname, strconv.Itoa(cfg.DoH.Port))
		r.mu.Lock()
		r.dohAddr = dohAddr
		r.mu.Unlock()
		go func() { errCh <- doh.Run(ctx, dohAddr) }()
	}
	if dot != nil {
		dotAddr := net.JoinHostPort(cfg.DoT.Hostname, strconv.Itoa(cfg.DoT.Port))
		r.mu.Lock()
		r.dotAddr = dotAddr
		r.mu.Unlock()
		go func() { errCh <- dot.Run(ctx, dotAddr) }()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			cancelRun()
			return err
		}
	}

	stopTimeout := 5 * time.Second
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.udp.Stop(stopTimeout)
	if r.doh != nil {
		_ = r.doh.Stop(stopTimeout)
	}
	if r.dot != nil {
		_ = r.dot.Stop(stopTimeout)
	}
	return nil
}

// Reload applies a hot-reloaded config (C5): it atomically swaps the
// pipeline's custom-record tables, forward rules and upstream pool, forces
// a blocklist refresh from the (possibly changed) source list, and
// recreates any listener whose bind address or TLS cert pair changed. It
// is meant to be called from the config watcher's OnChange callback, which
// runs on its own goroutine once Run has started the server.
func (r *Runner) Reload(ctx context.Context, cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pipe == nil {
		return
	}

	r.pipe.Reconfigure(cfg.DNS.Hosts, cfg.DNS.CNAMEs, cfg.DNS.PTRs, toForwardRules(cfg.Forward), cfg.Upstream.Servers)

	r.bl.SetSourcesConfig(blocklistSources(cfg.Blocklist.Sources), cfg.Blocklist.Custom, cfg.Blocklist.Whitelist)
	if _, err := r.bl.Refresh(ctx, true); err != nil && r.logger != nil {
		r.logger.Warn("config watcher: forced blocklist refresh failed", "err", err)
	}

	r.reconcileListeners(cfg)

	if r.logger != nil {
		r.logger.Info("config watcher: live config applied",
			"dns_addr", r.dnsAddr, "doh_addr", r.dohAddr, "dot_addr", r.dotAddr)
	}
}

// reconcileListeners recreates each listener whose bind address or TLS
// cert pair no longer matches cfg: bind the replacement, swap it in, then
// close the old one, so in-flight requests on the old listener still get
// a response. Callers must hold r.mu.
func (r *Runner) reconcileListeners(cfg *config.Config) {
	dnsAddr := net.JoinHostPort(cfg.DNS.Hostname, strconv.Itoa(cfg.DNS.Port))
	if dnsAddr != r.dnsAddr {
		old := r.udp
		next := &UDPServer{Logger: r.logger, Handler: r.handler, Limiter: r.limiter}
		go func() { r.errCh <- next.Run(r.ctx, dnsAddr) }()
		r.udp, r.dnsAddr = next, dnsAddr
		if old != nil {
			go func() { _ = old.Stop(5 * time.Second) }()
		}
	}

	tlsReady := cfg.SSL.CertFile != "" && cfg.SSL.KeyFile != ""
	certChanged := cfg.SSL.CertFile != r.certFile || cfg.SSL.KeyFile != r.keyFile
	r.certFile, r.keyFile = cfg.SSL.CertFile, cfg.SSL.KeyFile

	dohAddr := net.JoinHostPort(cfg.DoH.Hostname, strconv.Itoa(cfg.DoH.Port))
	if tlsReady && (dohAddr != r.dohAddr || certChanged || r.doh == nil) {
		old := r.doh
		next := &DoHServer{Logger: r.logger, Handler: r.handler, CertFile: cfg.SSL.CertFile, KeyFile: cfg.SSL.KeyFile}
		go func() { r.errCh <- next.Run(r.ctx, dohAddr) }()
		r.doh, r.dohAddr = next, dohAddr
		if old != nil {
			go func() { _ = old.Stop(5 * time.Second) }()
		}
	} else if !tlsReady && r.doh != nil {
		old := r.doh
		r.doh = nil
		go func() { _ = old.Stop(5 * time.Second) }()
	}

	dotAddr := net.JoinHostPort(cfg.DoT.Hostname, strconv.Itoa(cfg.DoT.Port))
	if tlsReady && (dotAddr != r.dotAddr || certChanged || r.dot == nil) {
		old := r.dot
		next := &DoTServer{TCPServer: TCPServer{Logger: r.logger, Handler: r.handler}, CertFile: cfg.SSL.CertFile, KeyFile: cfg.SSL.KeyFile}
		go func() { r.errCh <- next.Run(r.ctx, dotAddr) }()
		r.dot, r.dotAddr = next, dotAddr
		if old != nil {
			go func() { _ = old.Stop(5 * time.Second) }()
		}
	} else if !tlsReady && r.dot != nil {
		old := r.dot
		r.dot = nil
		go func() { _ = old.Stop(5 * time.Second) }()
	}
}

// runBlocklistRefresh refreshes bl on reloadInterval until ctx is cancelled.
// An unparsable interval falls back to 10 minutes, matching the watcher's
// default poll cadence (C5).
func (r *Runner) runBlocklistRefresh(ctx context.Context, bl *blocklist.Manager, reloadInterval string) {
	interval, err := time.ParseDuration(reloadInterval)
	if err != nil || interval <= 0 {
		interval = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := bl.Refresh(ctx, false); err != nil && r.logger != nil {
				r.logger.Warn("blocklist refresh failed", "err", err)
			}
		}
	}
}

// logStatsPeriodically logs a DNSStats snapshot every minute until ctx is
// cancelled, giving operators a rough QPS/latency signal without a metrics
// scrape endpoint.
func (r *Runner) logStatsPeriodically(ctx context.Context, stats *DNSStats) {
	if r.logger == nil {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := stats.Snapshot()
			r.logger.Info("dns stats",
				"queries_total", snap.QueriesTotal,
				"queries_udp", snap.QueriesUDP,
				"queries_tcp", snap.QueriesTCP,
				"responses_nxdomain", snap.ResponsesNX,
				"responses_error", snap.ResponsesErr,
				"avg_latency_ms", snap.AvgLatencyMs,
			)
		}
	}
}

// logStartup logs server configuration at startup.
func (r *Runner) logStartup(cfg *config.Config, dnsAddr string, tlsReady bool) {
	if r.logger == nil {
		return
	}
	r.logger.Info(
		"dns listening",
		"udp_addr", dnsAddr,
		"doh", tlsReady,
		"dot", tlsReady,
		"upstreams", cfg.Upstream.Servers,
		"cache_enabled", cfg.Cache.Enable,
	)
}

func blocklistSources(in []config.BlocklistSourceConfig) []blocklist.Source {
	out := make([]blocklist.Source, 0, len(in))
	for _, s := range in {
		out = append(out, blocklist.Source{Name: s.Name, URL: s.URL})
	}
	return out
}

func toForwardRules(in []config.ForwardRule) []pipeline.ForwardRule {
	out := make([]pipeline.ForwardRule, 0, len(in))
	for _, r := range in {
		out = append(out, pipeline.ForwardRule{Suffix: r.Suffix, Servers: r.Servers})
	}
	return out
}
