package pipeline

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/jroosing/hydracore/internal/dns"
)

// jsonUpstreamResponse mirrors the dns-json Answer[] shape returned by an
// upstream queried in JSON mode.
type jsonUpstreamResponse struct {
	Status int              `json:"Status"`
	Answer []jsonUpstreamRR `json:"Answer"`
}

// jsonUpstreamRR is one {name, type, TTL, data} tuple. Per the decided
// translation rule, Type is always numeric — the JSON-mode upstream is
// expected to emit the standard registry's numeric RR-type, not a mnemonic
// string.
type jsonUpstreamRR struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
	TTL  uint32 `json:"TTL"`
	Data string `json:"data"`
}

// toRecord parses the tuple's data field by the usual text-presentation
// rules for its RR type, producing the equivalent wire-format Record.
func (a jsonUpstreamRR) toRecord() (dns.Record, error) {
	rr := dns.Record{Name: a.Name, Type: a.Type, Class: uint16(dns.ClassIN), TTL: a.TTL}

	switch dns.RecordType(a.Type) {
	case dns.TypeA:
		ip := net.ParseIP(a.Data)
		v4 := ip.To4()
		if v4 == nil {
			return dns.Record{}, fmt.Errorf("pipeline: invalid A presentation data %q", a.Data)
		}
		rr.Data = []byte(v4)
	case dns.TypeAAAA:
		ip := net.ParseIP(a.Data)
		v6 := ip.To16()
		if v6 == nil {
			return dns.Record{}, fmt.Errorf("pipeline: invalid AAAA presentation data %q", a.Data)
		}
		rr.Data = []byte(v6)
	case dns.TypeCNAME, dns.TypeNS, dns.TypePTR:
		rr.Data = a.Data
	case dns.TypeMX:
		parts := strings.Fields(a.Data)
		if len(parts) != 2 {
			return dns.Record{}, fmt.Errorf("pipeline: invalid MX presentation data %q", a.Data)
		}
		pref, err := strconv.ParseUint(parts[0], 10, 16)
		if err != nil {
			return dns.Record{}, fmt.Errorf("pipeline: invalid MX preference %q: %w", parts[0], err)
		}
		rr.Data = dns.MXData{Preference: uint16(pref), Exchange: parts[1]}
	case dns.TypeTXT:
		rr.Data = a.Data
	default:
		rr.Data = []byte(a.Data)
	}
	return rr, nil
}
