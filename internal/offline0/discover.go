package offline0

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"offline0/internal/fetch"
)

var sitemapRequestHeader = http.Header{"Accept": {"application/xml, text/xml"}}

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// discoverAssets walks the configured sitemaps (following sitemap indexes)
// and returns the same-origin page URLs they list, in discovery order, capped
// at discover.maxURLs. A sitemap that cannot be read is skipped.
func (s *Service) discoverAssets(ctx context.Context) []string {
	if len(s.cfg.Discover.Sitemaps) == 0 {
		return nil
	}
	origin := s.cfg.Origin()
	appOrigin := fetch.Origin(origin)

	queue := make([]string, 0, len(s.cfg.Discover.Sitemaps))
	for _, sm := range s.cfg.Discover.Sitemaps {
		if u := resolveLoc(origin, sm); u != nil {
			queue = append(queue, u.String())
		}
	}

	seenSitemaps := map[string]struct{}{}
	seenURLs := map[string]struct{}{}
	var out []string
	ignored := 0

	for len(queue) > 0 && len(out) < s.cfg.Discover.MaxURLs {
		if ctx.Err() != nil {
			break
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := s.fetchSitemap(ctx, smURL)
		if err != nil {
			s.log.Warn().Err(err).Str("sitemap", smURL).Msg("Sitemap discovery failed")
			continue
		}
		for _, nested := range doc.Sitemaps {
			if u := resolveLoc(origin, nested); u != nil {
				queue = append(queue, u.String())
			}
		}
		for _, loc := range doc.URLs {
			u := resolveLoc(origin, loc)
			if u == nil || fetch.Origin(u) != appOrigin {
				ignored++
				continue
			}
			u.Fragment = ""
			key := u.String()
			if _, ok := seenURLs[key]; ok {
				continue
			}
			seenURLs[key] = struct{}{}
			out = append(out, key)
			if len(out) >= s.cfg.Discover.MaxURLs {
				break
			}
		}
	}

	s.log.Info().Int("urls", len(out)).Int("ignored", ignored).Int("sitemaps", len(seenSitemaps)).Msg("Discovered optional assets")
	return out
}

func (s *Service) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := fetch.NewRequest(sitemapURL)
	if err != nil {
		return sitemapDoc{}, err
	}
	req.Header = fetch.CloneHeader(sitemapRequestHeader)
	resp, err := s.net.Fetch(ctx, req)
	if err != nil {
		return sitemapDoc{}, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		snippet := resp.Body
		if len(snippet) > 2048 {
			snippet = snippet[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	return parseSitemap(sitemapURL, resp.Body)
}

func parseSitemap(sitemapURL string, body []byte) (sitemapDoc, error) {
	// .gz sitemaps may or may not already be decompressed by the transport
	gzipped := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if gzipped {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

// resolveLoc resolves a sitemap loc against the application origin.
func resolveLoc(origin *url.URL, loc string) *url.URL {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return nil
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return nil
	}
	u := origin.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil
	}
	return u
}
