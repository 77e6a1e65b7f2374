package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

type failingProvider struct{ err error }

func (f failingProvider) Name() string { return "failing" }
func (f failingProvider) Generate(context.Context, Prompt) (string, error) {
	return "", f.err
}

type staticProvider string

func (s staticProvider) Name() string { return "static" }
func (s staticProvider) Generate(context.Context, Prompt) (string, error) {
	return string(s), nil
}

var req = Request{Keyword: "garden tools", AnchorText: "best shears", TargetURL: "https://example.org/shears"}

func TestFallbackWhenProvidersFail(t *testing.T) {
	g := NewGenerator(Config{}, failingProvider{ErrQuotaExhausted}, failingProvider{ErrTimeout})
	a, err := g.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a.Provider != "template" {
		t.Fatalf("provider = %s", a.Provider)
	}
	if len(a.Attempts) != 2 || !errors.Is(a.Attempts[0], ErrQuotaExhausted) || !errors.Is(a.Attempts[1], ErrTimeout) {
		t.Fatalf("attempts = %v", a.Attempts)
	}
	if !strings.Contains(a.HTML, `<a href="https://example.org/shears">best shears</a>`) {
		t.Fatalf("link missing from html:\n%s", a.HTML)
	}
	if a.Title != "Complete Guide to Garden Tools" || a.Slug != "complete-guide-to-garden-tools" {
		t.Fatalf("title %q slug %q", a.Title, a.Slug)
	}
	if a.WordCount < 100 || strings.Contains(a.Excerpt, "<") {
		t.Fatalf("word count %d excerpt %q", a.WordCount, a.Excerpt)
	}
}

func TestProviderOutputGetsLink(t *testing.T) {
	g := NewGenerator(Config{}, failingProvider{ErrAuth}, staticProvider("# Shears\n\nSharp blades matter."))
	a, err := g.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a.Provider != "static" || a.Title != "Shears" {
		t.Fatalf("got %s %q", a.Provider, a.Title)
	}
	if !strings.Contains(a.Markdown, "[best shears](https://example.org/shears)") {
		t.Fatalf("link not appended:\n%s", a.Markdown)
	}
}

func TestGenerateValidates(t *testing.T) {
	g := NewGenerator(Config{})
	if _, err := g.Generate(context.Background(), Request{TargetURL: "https://x.org"}); err == nil {
		t.Fatalf("empty keyword accepted")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewGenerator(Config{}, staticProvider("x")).Generate(ctx, req); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestOpenAIProvider(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		body, _ := io.ReadAll(r.Body)
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			if gjson.GetBytes(body, "messages.1.role").String() != "user" {
				http.Error(w, `{"error":{"message":"bad body"}}`, http.StatusBadRequest)
				return
			}
			fmt.Fprintf(w, `{"choices":[{"message":{"content":"# Hello\n\nmodel %s"}}]}`, gjson.GetBytes(body, "model").String())
		case "Bearer broke":
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, `{"error":{"message":"You exceeded your current quota","code":"insufficient_quota"}}`)
		default:
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":{"message":"Incorrect API key"}}`)
		}
	}))
	defer srv.Close()

	tests := []struct {
		key     string
		wantErr error
		calls   int32
	}{
		{"good", nil, 1},
		{"broke", ErrQuotaExhausted, 1},
		{"wrong", ErrAuth, 1},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			atomic.StoreInt32(&calls, 0)
			p, err := NewOpenAI(OpenAIConfig{APIKey: tt.key, Endpoint: srv.URL, Model: "m1"})
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			out, err := p.Generate(context.Background(), BuildPrompt(req))
			if !errors.Is(err, tt.wantErr) && !(tt.wantErr == nil && err == nil) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && out != "# Hello\n\nmodel m1" {
				t.Fatalf("out = %q", out)
			}
			if got := atomic.LoadInt32(&calls); got != tt.calls {
				t.Fatalf("calls = %d, want %d", got, tt.calls)
			}
		})
	}

	if _, err := NewOpenAI(OpenAIConfig{}); !errors.Is(err, ErrAuth) {
		t.Fatalf("missing key: %v", err)
	}
}

func TestSlugAndExcerpt(t *testing.T) {
	if got := Slug("  Hello, World! 2024 "); got != "hello-world-2024" {
		t.Fatalf("slug = %q", got)
	}
	if got := Excerpt("one two three four", 9); got != "one two..." {
		t.Fatalf("excerpt = %q", got)
	}
	if got := Excerpt("short", 9); got != "short" {
		t.Fatalf("excerpt = %q", got)
	}
}

func TestMultibyteText(t *testing.T) {
	tests := []struct {
		name, got, want string
	}{
		{"title", titleCase("éclairs au café"), "Éclairs Au Café"},
		{"excerpt", Excerpt("crème brûlée recipes", 10), "crème..."},
		{"excerpt fits", Excerpt("brûlée", 6), "brûlée"},
	}
	for _, tt := range tests {
		if tt.got != tt.want || !utf8.ValidString(tt.got) {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}
