package pipeline

import (
	"net"

	"github.com/jroosing/hydracore/internal/dns"
)

// customAnswer builds the single record that answers qname/qtype from the
// custom record table, if any entry matches. CNAME aliases are followed one
// hop (the custom table is flat; spec.md names no chained-alias case).
//
// A, CNAME, and PTR answers are synthesized here: spec.md §3/§4.3 step 3
// require custom hits for qtype in {A, PTR}, and the mandatory reverse-
// loopback record (1.0.0.127.in-addr.arpa. -> localhost.) is itself a PTR
// answer, kept in its own table rather than folded into customCNAMEs.
func (p *Pipeline) customAnswer(qname string, qtype uint16) (dns.Record, bool) {
	p.tablesMu.RLock()
	defer p.tablesMu.RUnlock()

	if qtype == uint16(dns.TypePTR) {
		if target, ok := p.customPTRs[qname]; ok {
			return dns.Record{Name: qname, Type: uint16(dns.TypePTR), Class: uint16(dns.ClassIN), TTL: customRecordTTL, Data: target}, true
		}
		return dns.Record{}, false
	}

	if target, ok := p.customCNAMEs[qname]; ok {
		if qtype == uint16(dns.TypeCNAME) {
			return dns.Record{Name: qname, Type: uint16(dns.TypeCNAME), Class: uint16(dns.ClassIN), TTL: customRecordTTL, Data: target}, true
		}
		// Follow the alias once for A lookups.
		if addrs, ok := p.customHosts[target]; ok && qtype == uint16(dns.TypeA) {
			if rr, ok := addressRecord(qname, addrs); ok {
				return rr, true
			}
		}
		return dns.Record{}, false
	}

	if addrs, ok := p.customHosts[qname]; ok && qtype == uint16(dns.TypeA) {
		return addressRecord(qname, addrs)
	}

	return dns.Record{}, false
}

// addressRecord returns the first IPv4 literal in addrs as an A record, or
// false if none parse.
func addressRecord(qname string, addrs []string) (dns.Record, bool) {
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		v4 := ip.To4()
		if v4 == nil {
			continue
		}
		return dns.Record{Name: qname, Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN), TTL: customRecordTTL, Data: []byte(v4)}, true
	}
	return dns.Record{}, false
}
