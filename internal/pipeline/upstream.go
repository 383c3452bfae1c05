package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/jroosing/hydracore/internal/cache"
	"github.com/jroosing/hydracore/internal/dns"
)

const dnsMessageMIME = "application/dns-message"
const dnsJSONMIME = "application/dns-json"

// Message modes an upstream pool may be queried with, per spec's
// "configured message-mode (dns-message or the alternate JSON mode)".
const (
	messageModeDNS  = "dns-message"
	messageModeJSON = "json"
)

// upstreamSelector implements the sticky-avoidance upstream selection rule:
// never repeat the immediately-previous upstream unless the pool has only
// one member. Grounded in original_source/app/servers/base.py's
// upstream_doh, which the teacher's resolver chain has no equivalent of.
type upstreamSelector struct {
	mu     sync.Mutex
	pool   []string
	last   string
	client *http.Client
}

func newUpstreamSelector(pool []string, client *http.Client) *upstreamSelector {
	return &upstreamSelector{pool: pool, client: client}
}

// setPool replaces the upstream pool on a hot config reload (C5). last is
// left as-is; sticky-avoidance simply treats the new pool as if the old
// choice were still among its members.
func (s *upstreamSelector) setPool(pool []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool = pool
}

// pick selects the next upstream and records it as "last" before the caller
// issues the request, so a concurrent pick sees the update immediately
// rather than racing on the prior value.
func (s *upstreamSelector) pick() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pool) == 0 {
		return "", false
	}
	if len(s.pool) == 1 {
		s.last = s.pool[0]
		return s.last, true
	}

	candidates := make([]string, 0, len(s.pool)-1)
	for _, u := range s.pool {
		if u != s.last {
			candidates = append(candidates, u)
		}
	}
	if len(candidates) == 0 {
		candidates = s.pool
	}

	chosen := candidates[rand.IntN(len(candidates))]
	s.last = chosen
	return chosen, true
}

// upstreamRetries is the number of retry attempts allowed beyond the first,
// bounded by the overall defaultTimeout deadline: "Timeout 9s, retries 3".
const upstreamRetries = 3

// queryUpstream issues req to the selected upstream in the configured
// message mode, retrying against a freshly picked upstream (sticky-avoidance
// applies on every attempt) until one answers or the 9s budget is spent.
func (p *Pipeline) queryUpstream(ctx context.Context, req dns.Packet) (cache.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= upstreamRetries; attempt++ {
		if ctx.Err() != nil {
			break
		}
		entry, err := p.queryUpstreamOnce(ctx, req)
		if err == nil {
			return entry, nil
		}
		lastErr = err
	}
	return cache.Entry{}, lastErr
}

// queryUpstreamOnce is a single attempt against one selected upstream.
func (p *Pipeline) queryUpstreamOnce(ctx context.Context, req dns.Packet) (cache.Entry, error) {
	url, ok := p.upstream.pick()
	if !ok {
		return cache.Entry{}, fmt.Errorf("pipeline: no upstream configured")
	}

	if p.messageMode == messageModeJSON {
		return p.queryUpstreamJSON(ctx, url, req)
	}
	return p.queryUpstreamWire(ctx, url, req)
}

func (p *Pipeline) queryUpstreamWire(ctx context.Context, url string, req dns.Packet) (cache.Entry, error) {
	wire, err := req.Marshal()
	if err != nil {
		return cache.Entry{}, fmt.Errorf("pipeline: marshal upstream query: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(wire))
	if err != nil {
		return cache.Entry{}, fmt.Errorf("pipeline: build upstream request: %w", err)
	}
	httpReq.Header.Set("content-type", dnsMessageMIME)
	httpReq.Header.Set("accept", dnsMessageMIME)

	resp, err := p.upstream.client.Do(httpReq)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("pipeline: upstream %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return cache.Entry{}, fmt.Errorf("pipeline: upstream %s: http status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, dns.MaxIncomingDNSMessageSize*4))
	if err != nil {
		return cache.Entry{}, fmt.Errorf("pipeline: read upstream response: %w", err)
	}

	parsed, err := dns.ParsePacket(body)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("pipeline: parse upstream response: %w", err)
	}

	return cache.Entry{
		ResponseBytes: body,
		InsertedAt:    time.Now(),
		Type:          entryTypeForRCode(dns.RCodeFromFlags(parsed.Header.Flags)),
	}, nil
}

// queryUpstreamJSON issues req via the JSON-mode GET API and translates the
// Answer[] tuples back to a wire-format response, per spec's JSON-mode
// translation rule: numeric type reinterpreted via the standard RR-type
// registry, TTL copied verbatim, data parsed by the usual text-presentation
// rules for that type.
func (p *Pipeline) queryUpstreamJSON(ctx context.Context, url string, req dns.Packet) (cache.Entry, error) {
	if len(req.Questions) != 1 {
		return cache.Entry{}, fmt.Errorf("pipeline: json upstream query requires exactly one question")
	}
	q := req.Questions[0]

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("pipeline: build json upstream request: %w", err)
	}
	query := httpReq.URL.Query()
	query.Set("name", q.Name)
	query.Set("type", typeMnemonic(q.Type))
	httpReq.URL.RawQuery = query.Encode()
	httpReq.Header.Set("accept", dnsJSONMIME)

	resp, err := p.upstream.client.Do(httpReq)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("pipeline: json upstream %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return cache.Entry{}, fmt.Errorf("pipeline: json upstream %s: http status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, dns.MaxIncomingDNSMessageSize*4))
	if err != nil {
		return cache.Entry{}, fmt.Errorf("pipeline: read json upstream response: %w", err)
	}

	var jr jsonUpstreamResponse
	if err := json.Unmarshal(body, &jr); err != nil {
		return cache.Entry{}, fmt.Errorf("pipeline: parse json upstream response: %w", err)
	}

	rcode := dns.RCode(jr.Status)
	answers := make([]dns.Record, 0, len(jr.Answer))
	for _, a := range jr.Answer {
		rr, err := a.toRecord()
		if err != nil {
			continue
		}
		answers = append(answers, rr)
	}

	resp2 := dns.Packet{
		Header:    dns.Header{ID: req.Header.ID, Flags: dns.QRFlag | (req.Header.Flags & dns.RDFlag) | uint16(rcode)},
		Questions: req.Questions,
		Answers:   answers,
	}
	wire, err := resp2.Marshal()
	if err != nil {
		return cache.Entry{}, fmt.Errorf("pipeline: marshal translated json response: %w", err)
	}

	return cache.Entry{
		ResponseBytes: wire,
		InsertedAt:    time.Now(),
		Type:          entryTypeForRCode(rcode),
	}, nil
}

func entryTypeForRCode(rcode dns.RCode) cache.EntryType {
	switch rcode {
	case dns.RCodeNoError:
		return cache.EntryPositive
	case dns.RCodeServFail:
		return cache.EntryServfail
	default:
		return cache.EntryNegative
	}
}
