package rotation

import (
	"strings"
	"sync"

	"github.com/proxy-pool-manager/internal/registry"
	"github.com/proxy-pool-manager/internal/types"
)

// Selector hands out valid proxies round-robin. Each site profile keeps
// its own cursor over a shared per-protocol list, so heavy use by one
// profile never skews the rotation seen by another.
type Selector struct {
	mu       sync.Mutex
	reg      *registry.Registry
	profiles map[string]types.Protocol
	lists    map[types.Protocol][]string
	cursors  map[string]int
}

// NewSelector builds a selector over reg. profiles maps a site name to
// the protocol its traffic requires; unknown sites fall back to https
// first, then http.
func NewSelector(reg *registry.Registry, profiles map[string]string) *Selector {
	resolved := make(map[string]types.Protocol, len(profiles))
	for site, proto := range profiles {
		p := types.Protocol(strings.ToLower(proto))
		if p != types.ProtocolHTTP && p != types.ProtocolHTTPS {
			continue
		}
		resolved[strings.ToLower(site)] = p
	}
	return &Selector{
		reg:      reg,
		profiles: resolved,
		lists:    make(map[types.Protocol][]string),
		cursors:  make(map[string]int),
	}
}

// Rebuild refreshes the rotation lists from the registry. Cursors reset,
// so every profile starts from the top of the new lists.
func (s *Selector) Rebuild() {
	records := s.reg.Snapshot()

	lists := make(map[types.Protocol][]string)
	for i := range records {
		addr := records[i].Address()
		for _, p := range records[i].Protocols {
			lists[p] = append(lists[p], addr)
		}
	}

	s.mu.Lock()
	s.lists = lists
	s.cursors = make(map[string]int)
	s.mu.Unlock()
}

// Next returns the next proxy usable by site. Records that stopped being
// eligible since the last rebuild are skipped in place rather than
// removed; the list itself only changes on Rebuild.
func (s *Selector) Next(site string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, proto := range s.resolve(site) {
		list := s.lists[proto]
		n := len(list)
		if n == 0 {
			continue
		}
		key := cursorKey(site, proto)
		start := s.cursors[key] % n
		for i := 0; i < n; i++ {
			idx := (start + i) % n
			addr := list[idx]
			if s.reg.Eligible(addr, proto) {
				s.cursors[key] = (idx + 1) % n
				return addr, true
			}
		}
	}
	return "", false
}

func (s *Selector) resolve(site string) []types.Protocol {
	if p, ok := s.profiles[strings.ToLower(site)]; ok {
		return []types.Protocol{p}
	}
	return []types.Protocol{types.ProtocolHTTPS, types.ProtocolHTTP}
}

func cursorKey(site string, p types.Protocol) string {
	if site == "" {
		site = "default"
	}
	return strings.ToLower(site) + "/" + string(p)
}
