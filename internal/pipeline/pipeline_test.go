package pipeline

import (
	"context"
	"testing"

	"github.com/jroosing/hydracore/internal/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint(t *testing.T) {
	assert.Equal(t, "example.com.:A", fingerprint("example.com.", uint16(dns.TypeA)))
	assert.Equal(t, "example.com.:TYPE99", fingerprint("example.com.", 99))
}

func TestCustomAnswerHostAndCNAME(t *testing.T) {
	p := &Pipeline{
		customHosts:  map[string][]string{"localhost.": {"127.0.0.1"}},
		customCNAMEs: map[string]string{"alias.example.": "localhost."},
		customPTRs:   map[string]string{"1.0.0.127.in-addr.arpa.": "localhost."},
	}

	rr, ok := p.customAnswer("localhost.", uint16(dns.TypeA))
	require.True(t, ok)
	assert.Equal(t, uint16(dns.TypeA), rr.Type)
	ip, ok := rr.IPv4()
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", ip)

	rr, ok = p.customAnswer("alias.example.", uint16(dns.TypeCNAME))
	require.True(t, ok)
	assert.Equal(t, uint16(dns.TypeCNAME), rr.Type)
	assert.Equal(t, "localhost.", rr.Data)

	rr, ok = p.customAnswer("alias.example.", uint16(dns.TypeA))
	require.True(t, ok, "an A lookup on an alias follows it one hop")
	ip, ok = rr.IPv4()
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", ip)

	_, ok = p.customAnswer("not-configured.example.", uint16(dns.TypeA))
	assert.False(t, ok)
}

func TestCustomAnswerPTR(t *testing.T) {
	p := &Pipeline{
		customPTRs: map[string]string{"1.0.0.127.in-addr.arpa.": "localhost."},
	}

	rr, ok := p.customAnswer("1.0.0.127.in-addr.arpa.", uint16(dns.TypePTR))
	require.True(t, ok)
	assert.Equal(t, uint16(dns.TypePTR), rr.Type)
	assert.Equal(t, "localhost.", rr.Data)

	_, ok = p.customAnswer("2.0.0.127.in-addr.arpa.", uint16(dns.TypePTR))
	assert.False(t, ok, "non-custom PTR names must fall through to the PTR-NXDOMAIN branch")
}

func TestResolvePTRCustomHitAnswersRecordAndCountsOnce(t *testing.T) {
	store := &countingStore{}
	p := &Pipeline{
		store:      store,
		customPTRs: map[string]string{"1.0.0.127.in-addr.arpa.": "localhost."},
	}
	req := dns.Packet{
		Header:    dns.Header{ID: 1, Flags: dns.RDFlag},
		Questions: []dns.Question{{Name: "1.0.0.127.in-addr.arpa", Type: uint16(dns.TypePTR), Class: uint16(dns.ClassIN)}},
	}

	res, err := p.Resolve(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, KindCustomHit, res.Source)

	parsed, err := dns.ParsePacket(res.ResponseBytes)
	require.NoError(t, err)
	assert.Equal(t, dns.RCodeNoError, dns.RCodeFromFlags(parsed.Header.Flags))
	require.Len(t, parsed.Answers, 1)
	assert.Equal(t, uint16(dns.TypePTR), parsed.Answers[0].Type)

	assert.Equal(t, 1, store.calls, "exactly one counter upsert expected for a custom hit")
}

func TestResolvePTRFallsThroughToNXDomainAndCounts(t *testing.T) {
	store := &countingStore{}
	p := &Pipeline{store: store}
	req := dns.Packet{
		Header:    dns.Header{ID: 1, Flags: dns.RDFlag},
		Questions: []dns.Question{{Name: "2.0.0.127.in-addr.arpa", Type: uint16(dns.TypePTR), Class: uint16(dns.ClassIN)}},
	}

	res, err := p.Resolve(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, "ptr-nxdomain", res.Source)

	parsed, err := dns.ParsePacket(res.ResponseBytes)
	require.NoError(t, err)
	assert.Equal(t, dns.RCodeNXDomain, dns.RCodeFromFlags(parsed.Header.Flags))

	assert.Equal(t, 1, store.calls, "PTR-NXDOMAIN path must still record exactly one counter")
}

// countingStore is a minimal Store fake that counts UpsertCounter calls.
type countingStore struct {
	calls int
}

func (s *countingStore) UpsertCounter(ctx context.Context, fingerprint, kind string) error {
	s.calls++
	return nil
}

func TestUpstreamSelectorAvoidsImmediatelyPreviousChoice(t *testing.T) {
	sel := newUpstreamSelector([]string{"https://a", "https://b"}, nil)

	first, ok := sel.pick()
	require.True(t, ok)

	for i := 0; i < 20; i++ {
		next, ok := sel.pick()
		require.True(t, ok)
		assert.NotEqual(t, first, next, "sticky-avoidance must never repeat the immediately-previous upstream")
		first = next
	}
}

func TestUpstreamSelectorSingleEntryPool(t *testing.T) {
	sel := newUpstreamSelector([]string{"https://only"}, nil)
	got, ok := sel.pick()
	require.True(t, ok)
	assert.Equal(t, "https://only", got)
	got, ok = sel.pick()
	require.True(t, ok)
	assert.Equal(t, "https://only", got)
}

func TestUpstreamSelectorEmptyPool(t *testing.T) {
	sel := newUpstreamSelector(nil, nil)
	_, ok := sel.pick()
	assert.False(t, ok)
}

func TestMatchForward(t *testing.T) {
	p := &Pipeline{forwarders: []ForwardRule{
		{Suffix: "internal.corp.", Servers: []string{"10.0.0.1"}},
	}}
	rule, ok := p.matchForward("host.internal.corp.")
	require.True(t, ok)
	assert.Equal(t, []string{"10.0.0.1"}, rule.Servers)

	_, ok = p.matchForward("example.com.")
	assert.False(t, ok)
}

func TestReconfigureReplacesTablesAndUpstreamPool(t *testing.T) {
	p := New(Config{
		CustomHosts: map[string][]string{"old.example.": {"10.0.0.1"}},
		Upstreams:   []string{"https://old-upstream"},
	})

	_, ok := p.customAnswer("old.example.", uint16(dns.TypeA))
	assert.True(t, ok)

	p.Reconfigure(
		map[string][]string{"new.example.": {"10.0.0.2"}},
		map[string]string{},
		map[string]string{"1.0.0.127.in-addr.arpa.": "localhost."},
		[]ForwardRule{{Suffix: "internal.corp.", Servers: []string{"10.1.1.1"}}},
		[]string{"https://new-upstream"},
	)

	_, ok = p.customAnswer("old.example.", uint16(dns.TypeA))
	assert.False(t, ok, "reconfigure must drop tables not present in the new config")

	rr, ok := p.customAnswer("new.example.", uint16(dns.TypeA))
	require.True(t, ok)
	ip, ok := rr.IPv4()
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2", ip)

	_, ok = p.matchForward("host.internal.corp.")
	assert.True(t, ok)

	upstream, ok := p.upstream.pick()
	require.True(t, ok)
	assert.Equal(t, "https://new-upstream", upstream)
}

func TestResolveMalformedQueryReturnsFormErr(t *testing.T) {
	p := &Pipeline{customHosts: map[string][]string{}, customCNAMEs: map[string]string{}}
	req := dns.Packet{Header: dns.Header{ID: 42}}
	res, err := p.Resolve(context.Background(), req, nil)
	require.NoError(t, err)
	parsed, err := dns.ParsePacket(res.ResponseBytes)
	require.NoError(t, err)
	assert.Equal(t, dns.RCodeFormErr, dns.RCodeFromFlags(parsed.Header.Flags))
}
