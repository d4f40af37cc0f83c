// Package openai provides an LLM client for the OpenAI Chat Completions
// API over plain HTTP.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/quay/zlog"

	"github.com/salvus/salve"
	"github.com/salvus/salve/internal/httputil"
	"github.com/salvus/salve/llm/driver"
	"github.com/salvus/salve/pkg/resilience"
)

// Name is the registry key.
const Name = "openai"

// DefaultRoot is the production API endpoint.
const DefaultRoot = `https://api.openai.com/v1`

// DefaultModel is used when neither the request nor the config names one.
const DefaultModel = "gpt-4o"

// requestTimeout bounds one completion call.
const requestTimeout = 120 * time.Second

func init() {
	driver.Register(Name, func(_ context.Context, cfg driver.Config) (driver.Client, error) {
		return New(cfg)
	})
}

// Client talks to the Chat Completions API.
type Client struct {
	c       *http.Client
	root    *url.URL
	key     string
	model   string
	breaker *resilience.CircuitBreaker
}

var _ driver.Client = (*Client)(nil)

// New returns a Client.
func New(cfg driver.Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, &salve.Error{Op: "llm/openai/New", Kind: salve.ErrConfig, Message: "API key is required"}
	}
	root := cfg.Endpoint
	if root == "" {
		root = DefaultRoot
	}
	u, err := url.Parse(root)
	if err != nil {
		return nil, &salve.Error{Op: "llm/openai/New", Kind: salve.ErrConfig, Message: "bad endpoint", Inner: err}
	}
	c := cfg.HTTPClient
	if c == nil {
		c = http.DefaultClient
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		c:       c,
		root:    u,
		key:     cfg.APIKey,
		model:   model,
		breaker: resilience.NewBreaker("llm.openai", resilience.BreakerConfig{}),
	}, nil
}

// Name implements driver.Client.
func (c *Client) Name() string { return Name }

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []driver.Message `json:"messages"`
	Temperature float64          `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Generate implements driver.Client.
func (c *Client) Generate(ctx context.Context, req *driver.Request) (*driver.Response, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "llm/openai/Client.Generate")
	const op = "llm/openai/Client.Generate"
	if len(req.Messages) == 0 {
		return nil, &salve.Error{Op: op, Kind: salve.ErrInvalid, Message: "no messages"}
	}
	model := req.Model
	if model == "" {
		model = c.model
	}
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	var doc chatResponse
	err = c.breaker.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		u := *c.root
		u.Path, err = url.JoinPath(u.Path, "chat", "completions")
		if err != nil {
			return err
		}
		hr, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
		if err != nil {
			return err
		}
		hr.Header.Set("Content-Type", "application/json")
		hr.Header.Set("Authorization", "Bearer "+c.key)
		res, err := c.c.Do(hr)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return &salve.Error{Op: op, Kind: salve.ErrTimeout, Inner: err}
			}
			if ctx.Err() != nil {
				return err
			}
			return &salve.Error{Op: op, Kind: salve.ErrInternal, Inner: err}
		}
		defer res.Body.Close()
		if err := httputil.Classify(op, res); err != nil {
			return err
		}
		if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
			return &salve.Error{Op: op, Kind: salve.ErrInternal, Message: "decoding response", Inner: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(doc.Choices) == 0 {
		return nil, &salve.Error{Op: op, Kind: salve.ErrInternal, Message: "response carried no choices"}
	}
	ch := doc.Choices[0]
	zlog.Debug(ctx).Str("model", doc.Model).Int("tokens", doc.Usage.TotalTokens).Msg("generation complete")
	return &driver.Response{
		Content:      ch.Message.Content,
		Model:        doc.Model,
		TokensUsed:   doc.Usage.TotalTokens,
		FinishReason: ch.FinishReason,
		Metadata: map[string]string{
			"prompt_tokens":     strconv.Itoa(doc.Usage.PromptTokens),
			"completion_tokens": strconv.Itoa(doc.Usage.CompletionTokens),
		},
	}, nil
}
