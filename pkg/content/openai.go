package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	defaultModel    = "gpt-4.1-mini"
	defaultEndpoint = "https://api.openai.com/v1/chat/completions"
)

// OpenAIConfig controls the OpenAI chat provider.
type OpenAIConfig struct {
	APIKey     string
	Model      string
	Endpoint   string
	RetryMax   int           // retries on 429/5xx; 2
	HTTPClient *http.Client  // optional base client
	Timeout    time.Duration // per request; 45s
}

type openAIProvider struct {
	apiKey   string
	model    string
	endpoint string
	client   *retryablehttp.Client
}

// NewOpenAI returns a Provider backed by the OpenAI chat completions API.
func NewOpenAI(cfg OpenAIConfig) (Provider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: openai requires an API key (set content.openai.api_key or OPENAI_API_KEY)", ErrAuth)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}

	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = cfg.RetryMax
	if client.RetryMax == 0 {
		client.RetryMax = 2
	}
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	// An exhausted quota will not come back on retry.
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests && quotaExhausted(resp) {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	if cfg.HTTPClient != nil {
		hc := *cfg.HTTPClient
		client.HTTPClient = &hc
	}
	client.HTTPClient.Timeout = timeout

	return &openAIProvider{apiKey: apiKey, model: model, endpoint: endpoint, client: client}, nil
}

// quotaExhausted peeks at a 429 body for OpenAI's quota error code and
// restores the body for later readers.
func quotaExhausted(resp *http.Response) bool {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return false
	}
	return gjson.GetBytes(body, "error.code").String() == "insufficient_quota"
}

func (p *openAIProvider) Name() string { return "openai" }

func (p *openAIProvider) Generate(ctx context.Context, prompt Prompt) (string, error) {
	body := []byte(`{}`)
	var err error
	for _, set := range []struct {
		path string
		v    interface{}
	}{
		{"model", p.model},
		{"messages", []map[string]string{
			{"role": "system", "content": prompt.System},
			{"role": "user", "content": prompt.User},
		}},
		{"temperature", prompt.Temperature},
		{"max_tokens", prompt.MaxTokens},
	} {
		if body, err = sjson.SetBytes(body, set.path, set.v); err != nil {
			return "", err
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode >= 300 {
		return "", classifyStatus(resp.StatusCode, raw)
	}

	content := strings.TrimSpace(gjson.GetBytes(raw, "choices.0.message.content").String())
	if content == "" {
		return "", fmt.Errorf("%w: openai returned an empty response", ErrUnavailable)
	}
	return content, nil
}

func classifyStatus(status int, body []byte) error {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", status)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAuth, msg)
	case status == http.StatusTooManyRequests && gjson.GetBytes(body, "error.code").String() == "insufficient_quota":
		return fmt.Errorf("%w: %s", ErrQuotaExhausted, msg)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", ErrTimeout, msg)
	}
	return fmt.Errorf("%w: %s", ErrUnavailable, msg)
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
