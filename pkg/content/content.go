// Package content generates the article that carries a backlink. Providers
// are tried in order and a built-in template is used when none answers, so
// generation never fails for provider reasons.
package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/parser"
	strip "github.com/grokify/html-strip-tags-go"

	"github.com/backlinkoo/linkwatch/pkg/polling"
)

// Provider failures. Every provider error wraps one of these.
var (
	ErrQuotaExhausted = errors.New("provider quota exhausted")
	ErrAuth           = errors.New("provider authentication failed")
	ErrTimeout        = errors.New("provider timed out")
	ErrUnavailable    = errors.New("provider unavailable")
)

// Prompt is what a provider is asked to complete.
type Prompt struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Provider turns a prompt into markdown.
type Provider interface {
	Name() string
	Generate(ctx context.Context, p Prompt) (string, error)
}

// Request describes the article to write.
type Request struct {
	Keyword    string
	AnchorText string
	TargetURL  string
	WordCount  int // 1000 when zero
	Tone       string
}

// Article is a generated post.
type Article struct {
	Title     string
	Slug      string
	Markdown  string
	HTML      string
	Excerpt   string
	WordCount int
	Provider  string // "template" for the fallback
	Attempts  []error
}

// Config controls the generator.
type Config struct {
	Timeout time.Duration // per provider attempt; 45s
	Log     polling.Logger
}

// Generator tries providers in order and falls back to a template.
type Generator struct {
	providers []Provider
	cfg       Config
}

// NewGenerator builds a Generator. With no providers every article comes
// from the template.
func NewGenerator(cfg Config, providers ...Provider) *Generator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	cfg.Log = polling.OrNop(cfg.Log)
	return &Generator{providers: providers, cfg: cfg}
}

// Generate writes an article for req. It only fails for an invalid request
// or a cancelled context.
func (g *Generator) Generate(ctx context.Context, req Request) (Article, error) {
	req.Keyword = strings.TrimSpace(req.Keyword)
	if req.Keyword == "" {
		return Article{}, errors.New("content: keyword is required")
	}
	if strings.TrimSpace(req.TargetURL) == "" {
		return Article{}, errors.New("content: target url is required")
	}
	if req.AnchorText == "" {
		req.AnchorText = req.Keyword
	}
	if req.WordCount <= 0 {
		req.WordCount = 1000
	}

	var attempts []error
	prompt := BuildPrompt(req)
	for _, p := range g.providers {
		if err := ctx.Err(); err != nil {
			return Article{}, err
		}
		pctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		md, err := p.Generate(pctx, prompt)
		cancel()
		if err != nil {
			g.cfg.Log.Warnf("content: provider %s failed: %v", p.Name(), err)
			attempts = append(attempts, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		a := finish(req, md, p.Name())
		a.Attempts = attempts
		return a, nil
	}
	if err := ctx.Err(); err != nil {
		return Article{}, err
	}

	md, err := Fallback(req)
	if err != nil {
		return Article{}, err
	}
	if len(g.providers) > 0 {
		g.cfg.Log.Infof("content: all providers failed for %q, using template", req.Keyword)
	}
	a := finish(req, md, "template")
	a.Attempts = attempts
	return a, nil
}

// BuildPrompt is the provider prompt for req.
func BuildPrompt(req Request) Prompt {
	tone := req.Tone
	if tone == "" {
		tone = "professional"
	}
	return Prompt{
		System: "You write original, well structured blog articles in markdown. Use one H1 title, H2 sections and short paragraphs.",
		User: fmt.Sprintf("Write a %s article of about %d words about %q. Include exactly one natural link with the anchor text %q pointing to %s, formatted as a markdown link.",
			tone, req.WordCount, req.Keyword, req.AnchorText, req.TargetURL),
		Temperature: 0.7,
		MaxTokens:   req.WordCount * 2,
	}
}

var fallbackTmpl = template.Must(template.New("fallback").Funcs(template.FuncMap{"title": titleCase}).Parse(
	`# Complete Guide to {{title .Keyword}}

Welcome to this comprehensive guide about {{.Keyword}}. Understanding {{.Keyword}} matters for growth in any industry.

## What is {{title .Keyword}}?

{{title .Keyword}} covers the strategies and techniques behind modern digital success, from basic concepts to advanced implementations.

## Key Benefits of {{title .Keyword}}

- Enhanced visibility and reach across digital platforms
- Improved user engagement and interaction rates
- Better conversion rates and ROI
- Long-term sustainable growth

## Best Practices

Focus on quality and consistency. Plan carefully, execute, and keep monitoring results.

For more detailed insights, see [{{.AnchorText}}]({{.TargetURL}}), which covers {{.Keyword}} implementation in depth.

## Getting Started

1. Assess your current situation and find areas for improvement
2. Set clear, measurable goals for your {{.Keyword}} work
3. Implement gradually and monitor progress
4. Optimize based on performance data

## Conclusion

Mastering {{.Keyword}} takes dedication and continuous learning. Start today and build on what works.
`))

// Fallback renders the built-in article for req.
func Fallback(req Request) (string, error) {
	var buf bytes.Buffer
	if err := fallbackTmpl.Execute(&buf, req); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToTitle(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

func finish(req Request, md, provider string) Article {
	md = strings.TrimSpace(md)
	if !strings.Contains(md, req.TargetURL) {
		md += fmt.Sprintf("\n\nLearn more about [%s](%s).\n", req.AnchorText, req.TargetURL)
	}
	html := RenderHTML(md)
	text := strings.Join(strings.Fields(strip.StripTags(html)), " ")
	title := extractTitle(md)
	if title == "" {
		title = "Complete Guide to " + titleCase(req.Keyword)
	}
	return Article{
		Title:     title,
		Slug:      Slug(title),
		Markdown:  md,
		HTML:      html,
		Excerpt:   Excerpt(text, 160),
		WordCount: len(strings.Fields(text)),
		Provider:  provider,
	}
}

// RenderHTML converts markdown to HTML.
func RenderHTML(md string) string {
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs)
	return string(markdown.ToHTML([]byte(md), p, nil))
}

func extractTitle(md string) string {
	for _, line := range strings.Split(md, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	return ""
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases s and joins its words with dashes.
func Slug(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// Excerpt cuts text to at most n runes on a word boundary.
func Excerpt(text string, n int) string {
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	cut := string([]rune(text)[:n])
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,.;:") + "..."
}
