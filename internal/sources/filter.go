package sources

import "net"

// Reserved and special-purpose ranges that can never host a public
// proxy. Scraped lists carry these surprisingly often.
var reservedRanges = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"255.255.255.255/32",
}

var reservedNets = mustParseCIDRs(reservedRanges)

func mustParseCIDRs(ranges []string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(ranges))
	for _, cidr := range ranges {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("bad reserved range: " + cidr)
		}
		nets = append(nets, n)
	}
	return nets
}

// Routable reports whether host is a public unicast IPv4 address.
func Routable(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	for _, n := range reservedNets {
		if n.Contains(ip4) {
			return false
		}
	}
	return true
}

// FilterRoutable drops candidates whose host is not publicly routable.
func FilterRoutable(cands []Candidate) []Candidate {
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if Routable(c.Host) {
			out = append(out, c)
		}
	}
	return out
}
