package transform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"golang.org/x/time/rate"
)

const (
	OpenAIName         = "openai"
	openAIDefaultModel = "gpt-4o-mini"

	// systemPrompt is intentionally minimal; the concrete normalization
	// prompt is tuned outside this repository.
	systemPrompt = `You convert document text into simple declarative sentences.
Return JSON of the form {"sentences":[{"normalized":"...","original":"..."}]}.
"original" is the source passage a sentence was derived from.`
)

// OpenAIConfig configures the OpenAI-backed transformer.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	Temperature float64
	RateLimit   float64       // requests per second
	Timeout     time.Duration // default per-call timeout
	BaseURL     string        // optional (tests, proxies)
	HTTPClient  *http.Client  // optional (tests)
}

// OpenAIClient implements Transformer using the official OpenAI SDK.
type OpenAIClient struct {
	model       string
	temperature float64
	timeout     time.Duration
	limiter     *rate.Limiter
	client      openai.Client
}

// NewOpenAIClient creates a new OpenAI transformer.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.2
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 2.0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		// Retries for transient transport failures are handled by the
		// chunk retry policy, not hidden inside the SDK.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{
		model:       cfg.Model,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		client:      openai.NewClient(opts...),
	}
}

// Name returns the provider identifier.
func (c *OpenAIClient) Name() string { return OpenAIName }

// Transform sends one chunk's text for normalization.
func (c *OpenAIClient) Transform(ctx context.Context, req *Request) (*Result, error) {
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	temperature := req.Temperature
	if temperature <= 0 {
		temperature = c.temperature
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, Classify(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var schemaAny any
	if err := json.Unmarshal([]byte(resultSchema), &schemaAny); err != nil {
		return nil, NewError(CodeServiceError, err, "invalid output schema")
	}

	resp, err := c.client.Chat.Completions.New(callCtx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(req.Text),
		},
		Temperature: openai.Float(temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "transform_result",
					Schema: schemaAny,
					Strict: openai.Bool(true),
				},
			},
		},
	})
	if err != nil {
		return nil, mapOpenAIError(callCtx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, NewError(CodeMalformedOutput, nil, "response contained no choices")
	}

	sentences, err := parseResult(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	return &Result{
		Sentences:  sentences,
		TokensUsed: int(resp.Usage.TotalTokens),
		Model:      resp.Model,
		RequestID:  requestID,
	}, nil
}

// mapOpenAIError classifies SDK errors into the transform taxonomy.
func mapOpenAIError(ctx context.Context, err error) *Error {
	if ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Message: "transformation call timed out", Err: err}
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return NewError(CodeRateLimited, err, "provider rate limited the request")
		case apiErr.StatusCode >= 500:
			return NewError(CodeServiceError, err, "provider error (status %d)", apiErr.StatusCode)
		default:
			return NewError(CodeServiceError, err, "provider rejected the request (status %d)", apiErr.StatusCode)
		}
	}
	return Classify(err)
}

var _ Transformer = (*OpenAIClient)(nil)
