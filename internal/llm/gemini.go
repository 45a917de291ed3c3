package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/maxvaega/serverless-AIR-coach/internal/httpkit"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiClient is a client for the Google Generative Language API.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	maxTokens  int
	temp       float64
	httpClient *http.Client
	logger     *slog.Logger
}

// GeminiOption configures a GeminiClient.
type GeminiOption func(*GeminiClient)

// WithBaseURL overrides the API endpoint (used by tests).
func WithBaseURL(u string) GeminiOption {
	return func(c *GeminiClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithMaxTokens sets the per-response output token cap.
func WithMaxTokens(n int) GeminiOption {
	return func(c *GeminiClient) { c.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) GeminiOption {
	return func(c *GeminiClient) { c.temp = t }
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(apiKey string, logger *slog.Logger, opts ...GeminiOption) *GeminiClient {
	if logger == nil {
		logger = slog.Default()
	}
	// The model can think for a while before sending headers, and
	// streamed responses are long-lived. Use a generous header timeout
	// and no overall timeout; ctx deadlines control cancellation.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	c := &GeminiClient{
		apiKey:    apiKey,
		baseURL:   defaultGeminiBaseURL,
		maxTokens: 4096,
		temp:      0.7,
		logger:    logger.With("provider", "gemini"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Gemini request/response wire types

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	Tools             []geminiToolDecl `json:"tools,omitempty"`
	GenerationConfig  geminiGenConfig  `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"` // "user" or "model"
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResp `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFunctionResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiToolDecl struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type geminiGenConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata,omitempty"`
	ModelVersion  string            `json:"modelVersion,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

// Chat sends a non-streaming chat completion request.
func (c *GeminiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	body, err := c.do(ctx, model, messages, tools, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp geminiResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	result := convertFromGemini(&resp, model)

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	return result, nil
}

// ChatStream sends a streaming chat request, delivering events via callback.
func (c *GeminiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	if callback == nil {
		return c.Chat(ctx, model, messages, tools)
	}

	body, err := c.do(ctx, model, messages, tools, true)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	return c.handleStreaming(ctx, body, model, callback)
}

// Ping checks if the Gemini API is reachable and the key is accepted.
func (c *GeminiClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("invalid API key")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status from Gemini API: %d", resp.StatusCode)
	}
	return nil
}

// do issues the HTTP request and returns the response body on success.
func (c *GeminiClient) do(ctx context.Context, model string, messages []Message, tools []map[string]any, stream bool) (io.ReadCloser, error) {
	contents, system := convertToGemini(messages)

	req := geminiRequest{
		Contents: contents,
		Tools:    convertToolsToGemini(tools),
		GenerationConfig: geminiGenConfig{
			Temperature:     c.temp,
			MaxOutputTokens: c.maxTokens,
		},
	}
	if system != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	method := "generateContent"
	query := ""
	if stream {
		method = "streamGenerateContent"
		query = "?alt=sse"
	}
	url := fmt.Sprintf("%s/models/%s:%s%s", c.baseURL, model, method, query)

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(contents),
		"tools", len(tools),
		"stream", stream,
		"system_len", len(system),
	)
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("gemini API error %d: %s: %w", resp.StatusCode, errBody, errRateLimited)
		}
		return nil, fmt.Errorf("gemini API error %d: %s", resp.StatusCode, errBody)
	}

	return resp.Body, nil
}

func (c *GeminiClient) handleStreaming(ctx context.Context, body io.Reader, model string, callback StreamCallback) (*ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	// Increase scanner buffer for large responses
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		contentBuilder strings.Builder
		toolCalls      []ToolCall
		usage          geminiUsage
		modelVersion   string
	)

	for scanner.Scan() {
		line := scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "" || data == "[DONE]" {
			continue
		}

		var chunk geminiResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // Skip malformed events
		}

		if chunk.ModelVersion != "" {
			modelVersion = chunk.ModelVersion
		}
		if chunk.UsageMetadata != nil {
			usage = *chunk.UsageMetadata
		}

		for _, cand := range chunk.Candidates {
			for _, part := range cand.Content.Parts {
				switch {
				case part.FunctionCall != nil:
					tc := ToolCall{ID: fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, len(toolCalls))}
					tc.Function.Name = part.FunctionCall.Name
					tc.Function.Arguments = part.FunctionCall.Args
					toolCalls = append(toolCalls, tc)
					callback(StreamEvent{Kind: KindToolCallStart, ToolCall: &tc})

				case part.Text != "":
					contentBuilder.WriteString(part.Text)
					callback(StreamEvent{Kind: KindToken, Token: part.Text})
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if modelVersion == "" {
		modelVersion = model
	}
	resp := &ChatResponse{
		Model: modelVersion,
		Message: Message{
			Role:      "assistant",
			Content:   contentBuilder.String(),
			ToolCalls: toolCalls,
		},
		Done:         true,
		InputTokens:  usage.PromptTokenCount,
		OutputTokens: usage.CandidatesTokenCount,
	}

	c.logger.Debug("stream complete",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"content_len", len(resp.Message.Content),
		"tool_calls", len(resp.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "stream final content", "content", resp.Message.Content)

	return resp, nil
}

// convertToGemini converts internal messages into Gemini contents.
// System messages are collected into the systemInstruction text.
func convertToGemini(messages []Message) ([]geminiContent, string) {
	var systemParts []string
	var result []geminiContent

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			systemParts = append(systemParts, msg.Content)

		case "assistant":
			var parts []geminiPart
			if msg.Content != "" {
				parts = append(parts, geminiPart{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{
					Name: tc.Function.Name,
					Args: tc.Function.Arguments,
				}})
			}
			if len(parts) == 0 {
				continue
			}
			result = append(result, geminiContent{Role: "model", Parts: parts})

		case "tool":
			// Tool outputs travel back as functionResponse parts.
			// Gemini correlates by function name, not call id.
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"content": msg.Content}
			}
			result = append(result, geminiContent{
				Role: "user",
				Parts: []geminiPart{{FunctionResponse: &geminiFunctionResp{
					Name:     msg.ToolName,
					Response: response,
				}}},
			})

		case "user":
			result = append(result, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: msg.Content}},
			})
		}
	}

	return result, strings.Join(systemParts, "\n\n")
}

// convertToolsToGemini converts OpenAI-format tool definitions to Gemini
// function declarations.
func convertToolsToGemini(tools []map[string]any) []geminiToolDecl {
	if len(tools) == 0 {
		return nil
	}

	var decls []geminiFunctionDecl
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}

		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		params := fn["parameters"]

		decls = append(decls, geminiFunctionDecl{
			Name:        name,
			Description: desc,
			Parameters:  params,
		})
	}
	if len(decls) == 0 {
		return nil
	}
	return []geminiToolDecl{{FunctionDeclarations: decls}}
}

// convertFromGemini converts a complete Gemini response to the neutral format.
func convertFromGemini(resp *geminiResponse, model string) *ChatResponse {
	var content string
	var toolCalls []ToolCall

	for _, cand := range resp.Candidates {
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				tc := ToolCall{ID: fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, len(toolCalls))}
				tc.Function.Name = part.FunctionCall.Name
				tc.Function.Arguments = part.FunctionCall.Args
				toolCalls = append(toolCalls, tc)
			case part.Text != "":
				content += part.Text
			}
		}
	}

	out := &ChatResponse{
		Model: resp.ModelVersion,
		Message: Message{
			Role:      "assistant",
			Content:   content,
			ToolCalls: toolCalls,
		},
		Done: true,
	}
	if out.Model == "" {
		out.Model = model
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = resp.UsageMetadata.PromptTokenCount
		out.OutputTokens = resp.UsageMetadata.CandidatesTokenCount
	}
	return out
}

// errRateLimited marks throttling responses so callers can count them.
var errRateLimited = errors.New("rate limited")

// Markers seen in provider error text when a quota is exhausted. The
// HTTP 429 path wraps errRateLimited directly; these catch errors that
// surface through other layers as text.
var rateLimitMarkers = []string{
	"RESOURCE_EXHAUSTED",
	"rate limit",
	"quota",
	"429",
}

// IsRateLimit reports whether err looks like a provider throttling
// response.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errRateLimited) {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(text, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}
