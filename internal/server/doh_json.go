package server

import (
	"fmt"

	"github.com/jroosing/hydracore/internal/dns"
)

// jsonAnswer mirrors the Answer[] tuple shape used by the dns-json
// alternate API: {name, type (numeric), TTL, data}.
type jsonAnswer struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
	TTL  uint32 `json:"TTL"`
	Data string `json:"data"`
}

type jsonResponse struct {
	Status int          `json:"Status"`
	Answer []jsonAnswer `json:"Answer,omitempty"`
}

// jsonResponseFromPacket translates a wire-format response into the JSON
// answer shape served to dns-json clients.
func jsonResponseFromPacket(p dns.Packet) jsonResponse {
	out := jsonResponse{Status: int(dns.RCodeFromFlags(p.Header.Flags))}
	for _, rr := range p.Answers {
		out.Answer = append(out.Answer, jsonAnswer{
			Name: rr.Name,
			Type: rr.Type,
			TTL:  rr.TTL,
			Data: recordDataString(rr),
		})
	}
	return out
}

func recordDataString(rr dns.Record) string {
	switch dns.RecordType(rr.Type) {
	case dns.TypeA:
		if ip, ok := rr.IPv4(); ok {
			return ip
		}
	case dns.TypeAAAA:
		if ip, ok := rr.IPv6(); ok {
			return ip
		}
	case dns.TypeCNAME, dns.TypeNS, dns.TypePTR:
		if s, ok := rr.Data.(string); ok {
			return s
		}
	case dns.TypeMX:
		if mx, ok := rr.Data.(dns.MXData); ok {
			return fmt.Sprintf("%d %s", mx.Preference, mx.Exchange)
		}
	}
	if s, ok := rr.Data.(string); ok {
		return s
	}
	return ""
}

var mnemonicToType = map[string]uint16{
	"A":     uint16(dns.TypeA),
	"AAAA":  uint16(dns.TypeAAAA),
	"CNAME": uint16(dns.TypeCNAME),
	"NS":    uint16(dns.TypeNS),
	"PTR":   uint16(dns.TypePTR),
	"MX":    uint16(dns.TypeMX),
	"TXT":   uint16(dns.TypeTXT),
	"SOA":   uint16(dns.TypeSOA),
}

// typeFromMnemonic resolves a textual or numeric RR-type string (as the
// dns-json API accepts both) to its numeric form.
func typeFromMnemonic(s string) (uint16, bool) {
	if t, ok := mnemonicToType[s]; ok {
		return t, true
	}
	var n uint16
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil {
		return n, true
	}
	return 0, false
}
