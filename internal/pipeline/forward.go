package pipeline

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jroosing/hydracore/internal/cache"
	"github.com/jroosing/hydracore/internal/dns"
)

const forwardTimeout = 1500 * time.Millisecond

// forward sends raw verbatim to each server in rule.Servers in order,
// returning the first usable reply. Servers are plain DNS (UDP/53), not
// DoH — this step exists for per-suffix routing (e.g. a split-horizon
// internal zone) distinct from the default upstream pool.
func (p *Pipeline) forward(ctx context.Context, rule ForwardRule, raw []byte) (cache.Entry, error) {
	var lastErr error
	for _, server := range rule.Servers {
		addr := server
		if !strings.Contains(addr, ":") {
			addr = net.JoinHostPort(addr, "53")
		}
		resp, err := forwardOnce(ctx, addr, raw)
		if err != nil {
			lastErr = err
			continue
		}
		parsed, err := dns.ParsePacket(resp)
		if err != nil {
			lastErr = err
			continue
		}
		return cache.Entry{
			ResponseBytes: resp,
			InsertedAt:    time.Now(),
			Type:          entryTypeForRCode(dns.RCodeFromFlags(parsed.Header.Flags)),
		}, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("pipeline: forwarder: no servers configured for suffix %s", rule.Suffix)
	}
	return cache.Entry{}, lastErr
}

func forwardOnce(ctx context.Context, addr string, raw []byte) ([]byte, error) {
	deadline := time.Now().Add(forwardTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("forward dial %s: %w", addr, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("forward set deadline %s: %w", addr, err)
	}
	if _, err := conn.Write(raw); err != nil {
		return nil, fmt.Errorf("forward write %s: %w", addr, err)
	}

	buf := make([]byte, dns.MaxIncomingDNSMessageSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("forward read %s: %w", addr, err)
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}
