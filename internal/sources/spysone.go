package sources

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"golang.org/x/net/html"
)

// SpysSource extracts proxies from spys.one. The site obfuscates its
// table with inline scripts, but the addresses survive in text nodes, so
// a tokenizer walk over the text plus the shared pattern finds them
// without executing anything.
type SpysSource struct {
	name      string
	url       string
	userAgent string
	client    *http.Client
}

func (s *SpysSource) Name() string { return s.name }

func (s *SpysSource) Fetch(ctx context.Context, _ int) ([]Candidate, error) {
	body, err := fetchBody(ctx, s.client, s.url, s.userAgent)
	if err != nil {
		return nil, err
	}
	return parseInlineText(bytes.NewReader(body)), nil
}

func parseInlineText(r io.Reader) []Candidate {
	var out []Candidate
	seen := make(map[Candidate]struct{})

	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return out
		case html.TextToken:
			for _, m := range proxyPattern.FindAllSubmatch(z.Text(), -1) {
				c, ok := makeCandidate(string(m[1]), string(m[2]))
				if !ok {
					continue
				}
				if _, dup := seen[c]; dup {
					continue
				}
				seen[c] = struct{}{}
				out = append(out, c)
			}
		}
	}
}
