package sources

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"
)

// TableSource scrapes providers that publish an HTML table with the IP
// and port in the first two columns.
type TableSource struct {
	name      string
	url       string
	userAgent string
	client    *http.Client
}

func (s *TableSource) Name() string { return s.name }

func (s *TableSource) Fetch(ctx context.Context, _ int) ([]Candidate, error) {
	body, err := fetchBody(ctx, s.client, s.url, s.userAgent)
	if err != nil {
		return nil, err
	}
	return parseTable(bytes.NewReader(body))
}

func parseTable(r io.Reader) ([]Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	var out []Candidate
	doc.Find("table tbody tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		if c, ok := makeCandidate(cells.Eq(0).Text(), cells.Eq(1).Text()); ok {
			out = append(out, c)
		}
	})
	return out, nil
}

var pageParam = regexp.MustCompile(`page=\d+`)

// PaginatedSource walks a table provider page by page, rewriting the
// page query parameter. These providers sit behind Cloudflare and
// rate-limit hard, so pages are paced and a mid-walk failure returns
// whatever pages already parsed.
type PaginatedSource struct {
	name      string
	url       string
	userAgent string
	client    *http.Client
	pause     *rate.Limiter
}

func (s *PaginatedSource) Name() string { return s.name }

func (s *PaginatedSource) Fetch(ctx context.Context, maxPages int) ([]Candidate, error) {
	if maxPages < 1 {
		maxPages = 1
	}

	var out []Candidate
	for page := 1; page <= maxPages; page++ {
		if err := s.pause.Wait(ctx); err != nil {
			return out, err
		}
		body, err := fetchBody(ctx, s.client, s.pageURL(page), s.userAgent)
		if err != nil {
			return out, fmt.Errorf("page %d: %w", page, err)
		}
		cands, err := parseTable(bytes.NewReader(body))
		if err != nil {
			return out, fmt.Errorf("page %d: %w", page, err)
		}
		if len(cands) == 0 {
			break
		}
		out = append(out, cands...)
	}
	return out, nil
}

func (s *PaginatedSource) pageURL(page int) string {
	next := fmt.Sprintf("page=%d", page)
	if pageParam.MatchString(s.url) {
		return pageParam.ReplaceAllString(s.url, next)
	}
	if strings.Contains(s.url, "?") {
		return s.url + "&" + next
	}
	return s.url + "?" + next
}
