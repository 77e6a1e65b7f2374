package verify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/weppos/publicsuffix-go/publicsuffix"

	"github.com/backlinkoo/linkwatch/pkg/storage"
	"github.com/backlinkoo/linkwatch/pkg/whttp"
)

// OutcomeKind classifies one probe.
type OutcomeKind string

const (
	OutcomeSuccess      OutcomeKind = "success"
	OutcomeNotFound     OutcomeKind = "not_found"
	OutcomeRedirected   OutcomeKind = "redirected"
	OutcomeNetworkError OutcomeKind = "network_error"
)

// Outcome is what a probe observed.
type Outcome struct {
	Kind          OutcomeKind
	HTTPStatus    int
	FinalURL      string
	RedirectChain []string
	LinkFound     bool   // an <a href> on the page points at the target's host
	ExactMatch    bool   // ...and at the target URL itself
	LinkRel       string // rel attribute of the matching anchor
	AnchorText    string
	Title         string
	ResponseTime  time.Duration
	Score         float64
	Detail        string
}

// Prober performs one verification probe. Implementations must return
// within ctx's deadline; failures are reported as OutcomeNetworkError.
type Prober interface {
	Probe(ctx context.Context, r storage.Resource) Outcome
}

// HTTPProber fetches the source page and looks for the expected link.
type HTTPProber struct {
	client    *retryablehttp.Client
	userAgent string
}

// NewHTTPProber wraps client. An empty userAgent keeps whttp's default.
func NewHTTPProber(client *retryablehttp.Client, userAgent string) *HTTPProber {
	return &HTTPProber{client: client, userAgent: userAgent}
}

func (p *HTTPProber) Probe(ctx context.Context, r storage.Resource) Outcome {
	req := &whttp.WHTTPReq{URL: r.SourceURL, Method: "GET"}
	if p.userAgent != "" {
		req.Headers = append(req.Headers, whttp.WHTTPHeader{Name: "User-Agent", Value: p.userAgent})
	}
	res, err := whttp.SendHTTPRequest(ctx, req, p.client)
	if err != nil {
		detail := err.Error()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			detail = "timeout"
		}
		return Outcome{Kind: OutcomeNetworkError, Detail: detail}
	}
	return Classify(res, r.SourceURL, r.TargetURL)
}

// Classify maps a fetched page to an Outcome. It is deterministic in its
// inputs.
func Classify(res *whttp.WHTTPRes, sourceURL, targetURL string) Outcome {
	out := Outcome{
		HTTPStatus:    res.StatusCode,
		FinalURL:      res.FinalURL,
		RedirectChain: res.RedirectChain,
		ResponseTime:  res.Elapsed,
		Title:         res.HTTPTitle,
	}
	switch {
	case res.StatusCode == 429 || res.StatusCode >= 500:
		out.Kind = OutcomeNetworkError
		out.Detail = fmt.Sprintf("HTTP %d", res.StatusCode)
		return out
	case res.StatusCode >= 400:
		out.Kind = OutcomeNotFound
		out.Detail = fmt.Sprintf("HTTP %d", res.StatusCode)
		out.Score = Score(res.StatusCode, false, false, "")
		return out
	case res.StatusCode >= 300:
		out.Kind = OutcomeRedirected
		out.Detail = fmt.Sprintf("HTTP %d without a followable location", res.StatusCode)
		out.Score = Score(res.StatusCode, false, false, "")
		return out
	}
	if len(res.RedirectChain) > 0 && OffSite(sourceURL, res.FinalURL) {
		out.Kind = OutcomeRedirected
		out.Detail = "redirected to " + res.FinalURL
		out.Score = Score(res.StatusCode, false, false, "")
		return out
	}

	found, exact, rel, anchor := findLink(res.BodyString, res.FinalURL, targetURL)
	out.LinkFound, out.ExactMatch, out.LinkRel, out.AnchorText = found, exact, rel, anchor
	out.Score = Score(res.StatusCode, found, exact, rel)
	if !found {
		out.Kind = OutcomeNotFound
		out.Detail = "link to target not present on page"
		return out
	}
	out.Kind = OutcomeSuccess
	return out
}

func findLink(body, pageURL, targetURL string) (found, exact bool, rel, anchor string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return false, false, "", ""
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		base = &url.URL{}
	}
	target, err := url.Parse(storage.NormalizeURL(targetURL))
	if err != nil || target.Host == "" {
		return false, false, "", ""
	}
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		u, err := base.Parse(strings.TrimSpace(href))
		if err != nil || !sameHost(u.Host, target.Host) {
			return true
		}
		isExact := storage.SameTarget(u.String(), target.String())
		if !found || isExact {
			found = true
			rel = strings.ToLower(strings.TrimSpace(s.AttrOr("rel", "")))
			anchor = strings.TrimSpace(s.Text())
		}
		if isExact {
			exact = true
			return false
		}
		return true
	})
	return found, exact, rel, anchor
}

func sameHost(a, b string) bool {
	norm := func(h string) string {
		h = strings.ToLower(h)
		if i := strings.LastIndex(h, ":"); i > strings.LastIndex(h, "]") {
			h = h[:i]
		}
		return strings.TrimPrefix(h, "www.")
	}
	return norm(a) == norm(b)
}

// OffSite reports whether finalURL lives on a different registrable domain
// than sourceURL.
func OffSite(sourceURL, finalURL string) bool {
	return RegistrableDomain(sourceURL) != RegistrableDomain(finalURL)
}

// RegistrableDomain is the public-suffix registrable domain of raw's host,
// or the bare host when it has none.
func RegistrableDomain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	host := strings.ToLower(u.Hostname())
	if d, err := publicsuffix.Domain(host); err == nil && d != "" {
		return d
	}
	return host
}

// Score rates a probe from 0 to 100: 40 for HTTP 200 (20 for any other
// success or redirect status), 30 when the link is present, 20 when it points
// at the exact target URL and 10 when it is not rel=nofollow.
func Score(status int, linkFound, exact bool, rel string) float64 {
	s := 0.0
	switch {
	case status == 200:
		s += 40
	case status >= 200 && status < 400:
		s += 20
	}
	if linkFound {
		s += 30
		if exact {
			s += 20
		}
		if !hasToken(rel, "nofollow") {
			s += 10
		}
	}
	if s > 100 {
		s = 100
	}
	return s
}

func hasToken(list, tok string) bool {
	for _, f := range strings.Fields(list) {
		if f == tok {
			return true
		}
	}
	return false
}
