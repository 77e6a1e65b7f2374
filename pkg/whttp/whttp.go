package whttp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"
)

type WHTTPHeader struct {
	Name  string
	Value string
}

type WHTTPReq struct {
	URL        string
	Method     string
	CustomHost string
	Headers    []WHTTPHeader
}

type WHTTPRes struct {
	StatusCode     int
	ResponseLength int
	HTTPTitle      string
	BodyString     string
	FinalURL       string
	RedirectChain  []string // every hop after the first request, in order
	Elapsed        time.Duration
}

// DefaultUserAgent identifies probe traffic.
const DefaultUserAgent = "Mozilla/5.0 (compatible; BacklinkBot/1.0)"

const (
	maxRedirects = 10
	maxBodyBytes = 5 << 20
)

// ClientConfig configures NewClient.
type ClientConfig struct {
	Timeout  time.Duration // per attempt; defaults to 30s
	RetryMax int           // retries on connection errors and 5xx; 0 = single attempt
	Proxy    string
	Insecure bool
	Logger   *logrus.Logger // optional
}

type chainKey struct{}

// NewClient builds a retryablehttp client that records redirect hops.
func NewClient(cfg ClientConfig) (*retryablehttp.Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = nil
	if cfg.Logger != nil {
		rc.Logger = LeveledLogrus{cfg.Logger}
	}
	// Keep the final response instead of an error once retries run out, so
	// a persistent 503 classifies as a status and not a transport failure.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	// Each attempt starts a fresh redirect chain.
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, _ int) {
		if chain, ok := req.Context().Value(chainKey{}).(*[]string); ok {
			*chain = (*chain)[:0]
		}
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: cfg.Insecure},
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     30 * time.Second,
	}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %v", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	rc.HTTPClient = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			if chain, ok := req.Context().Value(chainKey{}).(*[]string); ok {
				*chain = append(*chain, req.URL.String())
			}
			return nil
		},
	}
	return rc, nil
}

// SendHTTPRequest performs wReq with ctx and reads at most 5MB of body.
func SendHTTPRequest(ctx context.Context, wReq *WHTTPReq, client *retryablehttp.Client) (wRes *WHTTPRes, err error) {
	if client == nil {
		return nil, errors.New("whttp: nil client")
	}
	method := wReq.Method
	if method == "" {
		method = http.MethodGet
	}
	chain := []string{}
	ctx = context.WithValue(ctx, chainKey{}, &chain)
	req, err := retryablehttp.NewRequestWithContext(ctx, method, wReq.URL, nil)
	if err != nil {
		return nil, err
	}

	// Set custom Host header
	if wReq.CustomHost != "" {
		req.Host = wReq.CustomHost
	} else {
		if strings.HasSuffix(req.Host, ":80") {
			req.Host = strings.TrimSuffix(req.Host, ":80")
		} else if strings.HasSuffix(req.Host, ":443") {
			req.Host = strings.TrimSuffix(req.Host, ":443")
		}
	}

	// Set common headers
	req.Header.Set("User-Agent", DefaultUserAgent)
	req.Header.Set("Cache-Control", "no-transform")
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en")

	// Set custom headers
	for _, h := range wReq.Headers {
		req.Header.Set(h.Name, h.Value)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	wRes = &WHTTPRes{
		StatusCode:    resp.StatusCode,
		BodyString:    string(bodyBytes),
		RedirectChain: chain,
		Elapsed:       time.Since(start),
		FinalURL:      wReq.URL,
	}
	if resp.Request != nil && resp.Request.URL != nil {
		wRes.FinalURL = resp.Request.URL.String()
	}

	if title, ok := getHTMLTitle(wRes.BodyString); ok {
		wRes.HTTPTitle = strings.ToValidUTF8(strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(title, "\n", ""), "\r", "")), "")
	}

	wRes.ResponseLength = utf8.RuneCountInString(wRes.BodyString)
	return wRes, nil
}

func isTitleElement(n *html.Node) bool {
	return n.Type == html.ElementNode && n.Data == "title"
}

func traverse(n *html.Node) (string, bool) {
	if isTitleElement(n) {
		if n.FirstChild != nil {
			return n.FirstChild.Data, true
		}
		return "", true
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		result, ok := traverse(c)
		if ok {
			return result, ok
		}
	}

	return "", false
}

func getHTMLTitle(requestBody string) (string, bool) {
	doc, err := html.Parse(strings.NewReader(requestBody))
	if err != nil {
		return "", false
	}

	return traverse(doc)
}

// LeveledLogrus adapts logrus to retryablehttp.LeveledLogger.
type LeveledLogrus struct {
	L *logrus.Logger
}

func (l LeveledLogrus) fields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}

func (l LeveledLogrus) Error(msg string, kv ...interface{}) { l.L.WithFields(l.fields(kv)).Error(msg) }
func (l LeveledLogrus) Info(msg string, kv ...interface{})  { l.L.WithFields(l.fields(kv)).Debug(msg) }
func (l LeveledLogrus) Debug(msg string, kv ...interface{}) { l.L.WithFields(l.fields(kv)).Debug(msg) }
func (l LeveledLogrus) Warn(msg string, kv ...interface{})  { l.L.WithFields(l.fields(kv)).Warn(msg) }
