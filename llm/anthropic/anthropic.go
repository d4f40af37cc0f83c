// Package anthropic provides an LLM client backed by the Anthropic
// Messages API via the official SDK.
package anthropic

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/quay/zlog"

	"github.com/salvus/salve"
	"github.com/salvus/salve/llm/driver"
	"github.com/salvus/salve/pkg/resilience"
)

// Name is the registry key.
const Name = "anthropic"

// DefaultModel is used when neither the request nor the config names one.
const DefaultModel = string(sdk.ModelClaudeSonnet4_0)

// requestTimeout bounds one Messages call.
const requestTimeout = 120 * time.Second

func init() {
	driver.Register(Name, func(_ context.Context, cfg driver.Config) (driver.Client, error) {
		return New(cfg)
	})
}

// Client talks to the Anthropic Messages API.
type Client struct {
	sdk     sdk.Client
	model   string
	breaker *resilience.CircuitBreaker
}

var _ driver.Client = (*Client)(nil)

// New returns a Client.
func New(cfg driver.Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, &salve.Error{Op: "llm/anthropic/New", Kind: salve.ErrConfig, Message: "API key is required"}
	}
	// retries belong to the shared driver policy, not the SDK.
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		sdk:     sdk.NewClient(opts...),
		model:   model,
		breaker: resilience.NewBreaker("llm.anthropic", resilience.BreakerConfig{}),
	}, nil
}

// Name implements driver.Client.
func (c *Client) Name() string { return Name }

// Generate implements driver.Client.
//
// System messages are hoisted into the API's dedicated system field; the
// Messages API rejects them in the turn list.
func (c *Client) Generate(ctx context.Context, req *driver.Request) (*driver.Response, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "llm/anthropic/Client.Generate")
	params, err := c.params(req)
	if err != nil {
		return nil, err
	}

	var msg *sdk.Message
	err = c.breaker.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		var err error
		msg, err = c.sdk.Messages.New(ctx, *params)
		return classify(ctx, err)
	})
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	for _, blk := range msg.Content {
		if blk.Type == "text" {
			b.WriteString(blk.Text)
		}
	}
	used := int(msg.Usage.InputTokens + msg.Usage.OutputTokens)
	zlog.Debug(ctx).Str("model", string(msg.Model)).Int("tokens", used).Msg("generation complete")
	return &driver.Response{
		Content:      b.String(),
		Model:        string(msg.Model),
		TokensUsed:   used,
		FinishReason: string(msg.StopReason),
		Metadata: map[string]string{
			"input_tokens":  strconv.FormatInt(msg.Usage.InputTokens, 10),
			"output_tokens": strconv.FormatInt(msg.Usage.OutputTokens, 10),
		},
	}, nil
}

func (c *Client) params(req *driver.Request) (*sdk.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	for _, m := range req.Messages {
		switch m.Role {
		case driver.RoleSystem:
			params.System = append(params.System, sdk.TextBlockParam{Text: m.Content})
		case driver.RoleUser:
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case driver.RoleAssistant:
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, &salve.Error{Op: "llm/anthropic/Client.Generate", Kind: salve.ErrInvalid, Message: "unknown message role " + strconv.Quote(m.Role)}
		}
	}
	if len(params.Messages) == 0 {
		return nil, &salve.Error{Op: "llm/anthropic/Client.Generate", Kind: salve.ErrInvalid, Message: "no user or assistant messages"}
	}
	return &params, nil
}

// classify maps SDK failures onto the salve error taxonomy so the shared
// retry policy can pick a delay schedule.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	const op = "llm/anthropic/Client.Generate"
	var apiErr *sdk.Error
	switch {
	case errors.As(err, &apiErr):
		switch apiErr.StatusCode {
		case 401, 403:
			return &salve.Error{Op: op, Kind: salve.ErrAuthentication, Inner: err}
		case 429:
			return &salve.Error{Op: op, Kind: salve.ErrRateLimit, Inner: err}
		case 408, 504:
			return &salve.Error{Op: op, Kind: salve.ErrTimeout, Inner: err}
		case 529:
			// "overloaded"; transient by the provider's own docs.
			return &salve.Error{Op: op, Kind: salve.ErrTransient, Inner: err}
		}
		return &salve.Error{Op: op, Kind: salve.ErrInternal, Inner: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &salve.Error{Op: op, Kind: salve.ErrTimeout, Inner: err}
	case ctx.Err() != nil:
		return err
	}
	return &salve.Error{Op: op, Kind: salve.ErrInternal, Inner: err}
}
