package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/convoflow/internal/store"
)

const (
	defaultClaudeModel  = "claude-sonnet-4-5-20250929"
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
)

const analysisSystemPrompt = `You are a conversation triage engine. You receive the accumulated
messages a customer sent in one burst. Respond with a single JSON object and
nothing else: {"intent": "<short label>", "summary": "<one or two sentences>",
"confidence": <0..1>}.`

// AnthropicAdapter dispatches batches to the Anthropic Messages API and
// decodes the model's JSON verdict into a Result.
type AnthropicAdapter struct {
	apiKey      string
	baseURL     string
	model       string
	client      *http.Client
	retryConfig RetryConfig
}

// NewAnthropicAdapter creates an adapter. The API key comes from the
// environment; it is never read from config files.
func NewAnthropicAdapter(apiKey string, opts ...AnthropicOption) *AnthropicAdapter {
	a := &AnthropicAdapter{
		apiKey:      apiKey,
		baseURL:     anthropicAPIBase,
		model:       defaultClaudeModel,
		client:      &http.Client{Timeout: 120 * time.Second},
		retryConfig: DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

type AnthropicOption func(*AnthropicAdapter)

func WithAnthropicModel(model string) AnthropicOption {
	return func(a *AnthropicAdapter) {
		if model != "" {
			a.model = model
		}
	}
}

func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(a *AnthropicAdapter) {
		if baseURL != "" {
			a.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// Dispatch sends the batch content for analysis. Transient backend failures
// are retried inside; the scheduler sees one success or one error.
func (a *AnthropicAdapter) Dispatch(ctx context.Context, b *store.Batch) (*Result, error) {
	body := map[string]interface{}{
		"model":      a.model,
		"max_tokens": 1024,
		"system":     analysisSystemPrompt,
		"messages": []map[string]interface{}{
			{"role": "user", "content": a.buildPrompt(b)},
		},
	}

	return RetryDo(ctx, a.retryConfig, func() (*Result, error) {
		respBody, err := a.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp anthropicResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("anthropic: decode response: %w", err)
		}
		return a.parseResult(&resp)
	})
}

func (a *AnthropicAdapter) buildPrompt(b *store.Batch) string {
	var sb strings.Builder
	sb.WriteString("Conversation: ")
	sb.WriteString(b.ConversationKey)
	sb.WriteString("\n\nAccumulated messages:\n")
	sb.WriteString(b.AccumulatedText)
	if len(b.AttachmentRefs) > 0 {
		fmt.Fprintf(&sb, "\n\nThe customer also sent %d attachment(s): %s",
			len(b.AttachmentRefs), strings.Join(b.AttachmentRefs, ", "))
	}
	return sb.String()
}

func (a *AnthropicAdapter) doRequest(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("anthropic: %s", string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return resp.Body, nil
}

// parseResult extracts the model's JSON verdict from the first text block.
// Anything that does not decode strictly into the Result schema is an error;
// guessing at malformed analysis output would poison downstream consumers.
func (a *AnthropicAdapter) parseResult(resp *anthropicResponse) (*Result, error) {
	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, fmt.Errorf("anthropic: response contained no text content")
	}

	raw := extractJSONObject(text)
	if raw == "" {
		return nil, fmt.Errorf("anthropic: no JSON object in response: %.120s", text)
	}

	var result Result
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&result); err != nil {
		return nil, fmt.Errorf("anthropic: decode analysis result: %w", err)
	}
	result.Raw = json.RawMessage(raw)

	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	return &result, nil
}

// extractJSONObject pulls the outermost {...} from text, tolerating models
// that wrap the object in prose or code fences.
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
