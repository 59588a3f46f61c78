package sources

import (
	"context"
	"net/http"
	"regexp"
)

// proxyPattern matches host:port pairs in free-form text, tolerating an
// optional scheme prefix that some lists carry.
var proxyPattern = regexp.MustCompile(`(?:(?:socks5|socks4|https?)://)?(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):(\d{2,5})`)

// TextSource reads providers that publish plain text, one proxy per line
// or space-separated.
type TextSource struct {
	name      string
	url       string
	userAgent string
	client    *http.Client
}

func (s *TextSource) Name() string { return s.name }

func (s *TextSource) Fetch(ctx context.Context, _ int) ([]Candidate, error) {
	body, err := fetchBody(ctx, s.client, s.url, s.userAgent)
	if err != nil {
		return nil, err
	}
	return parseCandidates(string(body)), nil
}

// parseCandidates pulls every host:port pair out of text, deduplicated
// in first-seen order.
func parseCandidates(text string) []Candidate {
	matches := proxyPattern.FindAllStringSubmatch(text, -1)

	out := make([]Candidate, 0, len(matches))
	seen := make(map[Candidate]struct{}, len(matches))
	for _, m := range matches {
		c, ok := makeCandidate(m[1], m[2])
		if !ok {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
