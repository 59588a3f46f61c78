package sources

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/proxy-pool-manager/internal/config"
)

// Candidate is one host:port sighting reported by a provider.
type Candidate struct {
	Host string
	Port int
}

// Source fetches proxy candidates from one provider.
type Source interface {
	Name() string
	Fetch(ctx context.Context, maxPages int) ([]Candidate, error)
}

// Info describes one catalog entry for status listings.
type Info struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Blocked bool   `json:"blocked"`
	Enabled bool   `json:"enabled"`
}

type kind int

const (
	kindText kind = iota
	kindTable
	kindPaginated
	kindSpys
)

type entry struct {
	name    string
	url     string
	kind    kind
	blocked bool
}

// The built-in provider catalog in ingestion order. Reliable raw lists
// come first, the blocked-prone scrapers late, and the thespeedx dump
// last: it is huge and only worth fetching when everything before it
// left the pool short.
var catalog = []entry{
	{name: "monosans", url: "https://raw.githubusercontent.com/monosans/proxy-list/main/proxies/http.txt", kind: kindText},
	{name: "proxyscrape_all", url: "https://api.proxyscrape.com/v4/free-proxy-list/get?request=displayproxies&protocol=http&timeout=10000&country=all&ssl=all&anonymity=all&skip=0&limit=2000", kind: kindText},
	{name: "proxyscrape_premium", url: "https://api.proxyscrape.com/v4/free-proxy-list/get?request=displayproxies&protocol=http&timeout=5000&country=all&ssl=all&anonymity=elite,anonymous&skip=0&limit=1000", kind: kindText},
	{name: "free_proxy_list", url: "https://free-proxy-list.net/en/", kind: kindTable},
	{name: "advanced_name", url: "https://advanced.name/freeproxy/68df12417db3f", kind: kindText},
	{name: "freeproxy_world_https", url: "https://www.freeproxy.world/?type=https&anonymity=&country=&speed=1800&port=&page=1", kind: kindPaginated, blocked: true},
	{name: "freeproxy_world_http", url: "https://www.freeproxy.world/?type=http&anonymity=&country=&speed=1800&port=&page=1", kind: kindPaginated, blocked: true},
	{name: "spys_one", url: "https://spys.one/en/free-proxy-list/", kind: kindSpys, blocked: true},
	{name: "thespeedx", url: "https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/http.txt", kind: kindText},
}

// Defaults builds the active source list from the catalog plus any extra
// text sources from the config.
func Defaults(cfg config.SourcesConfig, disableBlocked bool) []Source {
	client := newClient()

	var out []Source
	for _, e := range catalog {
		if !enabled(e, cfg, disableBlocked) {
			continue
		}
		out = append(out, build(e, cfg.UserAgent, client))
	}
	for _, extra := range cfg.Extra {
		if extra.Name == "" || extra.URL == "" {
			continue
		}
		out = append(out, &TextSource{name: extra.Name, url: extra.URL, userAgent: cfg.UserAgent, client: client})
	}
	return out
}

// Describe reports the catalog with the enablement each entry would get
// under the given config.
func Describe(cfg config.SourcesConfig, disableBlocked bool) []Info {
	out := make([]Info, 0, len(catalog)+len(cfg.Extra))
	for _, e := range catalog {
		out = append(out, Info{
			Name:    e.name,
			URL:     e.url,
			Blocked: e.blocked,
			Enabled: enabled(e, cfg, disableBlocked),
		})
	}
	for _, extra := range cfg.Extra {
		if extra.Name == "" || extra.URL == "" {
			continue
		}
		out = append(out, Info{Name: extra.Name, URL: extra.URL, Enabled: true})
	}
	return out
}

// enabled resolves one entry: an explicit disable always wins, an
// explicit enable overrides the blocked flag.
func enabled(e entry, cfg config.SourcesConfig, disableBlocked bool) bool {
	if contains(cfg.Disabled, e.name) {
		return false
	}
	if contains(cfg.Enabled, e.name) {
		return true
	}
	if disableBlocked && e.blocked {
		return false
	}
	return true
}

func build(e entry, userAgent string, client *http.Client) Source {
	switch e.kind {
	case kindTable:
		return &TableSource{name: e.name, url: e.url, userAgent: userAgent, client: client}
	case kindPaginated:
		return &PaginatedSource{
			name:      e.name,
			url:       e.url,
			userAgent: userAgent,
			client:    client,
			pause:     rate.NewLimiter(rate.Every(2*time.Second), 1),
		}
	case kindSpys:
		return &SpysSource{name: e.name, url: e.url, userAgent: userAgent, client: client}
	default:
		return &TextSource{name: e.name, url: e.url, userAgent: userAgent, client: client}
	}
}

func newClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

const maxBodySize = 10 * 1024 * 1024

func fetchBody(ctx context.Context, client *http.Client, url, userAgent string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	return body, nil
}

func makeCandidate(host, portStr string) (Candidate, bool) {
	host = strings.TrimSpace(host)
	if net.ParseIP(host) == nil {
		return Candidate{}, false
	}
	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil || port < 1 || port > 65535 {
		return Candidate{}, false
	}
	return Candidate{Host: host, Port: port}, true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
