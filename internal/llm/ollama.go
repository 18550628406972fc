package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/agentgate/internal/config"
	"github.com/nugget/agentgate/internal/httpkit"
)

// OllamaClient is a client for a local/self-hosted Ollama instance.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client. baseURL defaults to
// http://localhost:11434 when empty.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	// Large local models can take significant time before sending headers
	// (loading, thinking). Override the default ResponseHeaderTimeout.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 5 * time.Minute

	return &OllamaClient{
		baseURL: baseURL,
		logger:  logger.With("provider", "ollama"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(5*time.Minute),
			httpkit.WithTransport(t),
			httpkit.WithRetry(3, 2*time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// ChatRequest is the request format for Ollama's /api/chat endpoint.
type ChatRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
	Options  *Options         `json:"options,omitempty"`
}

// Options are model sampling parameters.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// ollamaWireResponse is the raw JSON response from Ollama's /api/chat
// endpoint — a deserialization target only; convert to ChatResponse
// via toChatResponse for internal use.
type ollamaWireResponse struct {
	Model              string  `json:"model"`
	CreatedAt          string  `json:"created_at"`
	Message            Message `json:"message"`
	Done               bool    `json:"done"`
	TotalDuration      int64   `json:"total_duration,omitempty"`
	LoadDuration       int64   `json:"load_duration,omitempty"`
	PromptEvalCount    int     `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64   `json:"prompt_eval_duration,omitempty"`
	EvalCount          int     `json:"eval_count,omitempty"`
	EvalDuration       int64   `json:"eval_duration,omitempty"`
}

func (w *ollamaWireResponse) toChatResponse() *ChatResponse {
	createdAt, _ := time.Parse(time.RFC3339Nano, w.CreatedAt)
	return &ChatResponse{
		Model:         w.Model,
		CreatedAt:     createdAt,
		Message:       w.Message,
		Done:          w.Done,
		InputTokens:   w.PromptEvalCount,
		OutputTokens:  w.EvalCount,
		TotalDuration: time.Duration(w.TotalDuration),
		LoadDuration:  time.Duration(w.LoadDuration),
		EvalDuration:  time.Duration(w.EvalDuration),
	}
}

// ChatStream sends a streaming chat request to Ollama. If callback is
// non-nil, tokens are streamed to it as they arrive.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(messages),
		"tools", len(tools),
		"stream", stream,
	)

	req := ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
		Tools:    tools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, errBody)
	}

	validToolNames := extractToolNames(tools)

	if !stream {
		var wire ollamaWireResponse
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		chatResp := wire.toChatResponse()

		c.logger.Debug("response received",
			"model", chatResp.Model,
			"input_tokens", chatResp.InputTokens,
			"output_tokens", chatResp.OutputTokens,
			"total_duration", chatResp.TotalDuration,
			"tool_calls", len(chatResp.Message.ToolCalls),
		)
		c.logger.Log(ctx, config.LevelTrace, "response content", "content", chatResp.Message.Content)

		reconcileTextToolCalls(c.logger, chatResp, validToolNames)
		return chatResp, nil
	}

	return c.readStreamingChat(ctx, model, resp.Body, validToolNames, callback)
}

// readStreamingChat reads Ollama's newline-delimited JSON stream,
// forwarding content tokens to callback while holding back any chunk
// that looks like it might be the start of a text-encoded tool call
// (models without native tool_calls support often emit one instead of
// using it) so raw JSON is never streamed to the caller.
func (c *OllamaClient) readStreamingChat(ctx context.Context, model string, body io.Reader, validToolNames []string, callback StreamCallback) (*ChatResponse, error) {
	var finalResp *ChatResponse
	var toolCalls []ToolCall
	var contentBuilder strings.Builder
	toolCallBufferFlushed := false
	decoder := json.NewDecoder(body)

	for {
		var wire ollamaWireResponse
		if err := decoder.Decode(&wire); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}

		if wire.Message.Content != "" {
			contentBuilder.WriteString(wire.Message.Content)
			if callback != nil {
				accumulated := contentBuilder.String()
				if len(validToolNames) > 0 && !toolCallBufferFlushed && looksLikeToolCall(accumulated) {
					// Hold back — might be a text-based tool call.
				} else {
					if !toolCallBufferFlushed && contentBuilder.Len() > len(wire.Message.Content) {
						callback(accumulated) // first flush sends everything buffered so far
					} else {
						callback(wire.Message.Content)
					}
					toolCallBufferFlushed = true
				}
			}
		}

		if len(wire.Message.ToolCalls) > 0 {
			toolCalls = wire.Message.ToolCalls
		}

		if wire.Done {
			finalResp = wire.toChatResponse()
			finalResp.Message.Content = contentBuilder.String()
			finalResp.Message.ToolCalls = toolCalls
			break
		}
	}

	if finalResp == nil {
		c.logger.Debug("stream ended without done marker, synthesizing response")
		finalResp = &ChatResponse{Model: model, Done: true}
		finalResp.Message.Content = contentBuilder.String()
		finalResp.Message.ToolCalls = toolCalls
	}

	c.logger.Debug("stream complete",
		"model", finalResp.Model,
		"input_tokens", finalResp.InputTokens,
		"output_tokens", finalResp.OutputTokens,
		"total_duration", finalResp.TotalDuration,
		"content_len", len(finalResp.Message.Content),
		"tool_calls", len(finalResp.Message.ToolCalls),
	)
	c.logger.Log(ctx, config.LevelTrace, "stream final content", "content", finalResp.Message.Content)

	reconcileTextToolCalls(c.logger, finalResp, validToolNames)
	return finalResp, nil
}

// reconcileTextToolCalls promotes a text-encoded tool call embedded in
// resp.Message.Content into resp.Message.ToolCalls, and suppresses
// content that looks like a tool call but names a tool the caller
// never offered (a hallucinated call).
func reconcileTextToolCalls(logger *slog.Logger, resp *ChatResponse, validToolNames []string) {
	if len(resp.Message.ToolCalls) != 0 || resp.Message.Content == "" {
		return
	}
	if parsed := parseTextToolCalls(resp.Message.Content, validToolNames); len(parsed) > 0 {
		logger.Debug("parsed text-based tool calls", "count", len(parsed))
		resp.Message.ToolCalls = parsed
		resp.Message.Content = ""
		return
	}
	if looksLikeHallucinatedToolCall(resp.Message.Content) {
		logger.Warn("suppressed hallucinated tool call", "content", resp.Message.Content)
		resp.Message.Content = ""
		return
	}
	resp.Message.Content = stripTrailingToolCallJSON(resp.Message.Content, validToolNames)
}

// extractToolNames extracts tool names from OpenAI/Ollama-format tool
// definitions (function.name).
func extractToolNames(tools []map[string]any) []string {
	if len(tools) == 0 {
		return nil
	}
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		if fn, ok := tool["function"].(map[string]any); ok {
			if name, ok := fn["name"].(string); ok && name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}

// looksLikeToolCall checks if accumulated stream content might be a
// text-based tool call, used to hold back streaming output until we
// know whether the model is emitting a tool call or prose.
func looksLikeToolCall(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return false
	}
	if trimmed[0] == '{' {
		return true
	}
	return strings.HasPrefix(trimmed, "<tool_call>") || strings.HasPrefix(trimmed, "<tool")
}

// stripTrailingToolCallJSON removes a tool-call-shaped JSON object
// appended to the end of prose content, returning the cleaned prose
// (or the original if no trailing tool call JSON is found).
func stripTrailingToolCallJSON(content string, validTools []string) string {
	lastBrace := strings.LastIndex(content, "{")
	if lastBrace <= 0 {
		return content
	}
	jsonPart := strings.TrimSpace(content[lastBrace:])
	var obj struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(jsonPart), &obj); err != nil || obj.Name == "" {
		return content
	}
	cleaned := strings.TrimSpace(content[:lastBrace])
	if cleaned == "" {
		return content // don't strip if there's no prose left
	}
	return cleaned
}

// looksLikeHallucinatedToolCall checks if content is a tool-call-shaped
// JSON object ("name" + "arguments") that parseTextToolCalls rejected
// because the name wasn't in the valid tool list.
func looksLikeHallucinatedToolCall(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" || trimmed[0] != '{' {
		return false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return false
	}
	_, hasName := obj["name"]
	_, hasArgs := obj["arguments"]
	return hasName && hasArgs
}

// parseTextToolCalls extracts tool calls from content text for models
// that emit them as JSON in the message body instead of using native
// tool_calls. Handles the two shapes seen in practice: a single raw
// JSON object, and a JSON array of them; both may be wrapped in
// <tool_call>...</tool_call>. If validTools is non-empty, only calls
// naming a tool in that list are returned — this rejects JSON that
// happens to have name/arguments fields but isn't a tool call.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if strings.Contains(content, "<tool_call>") {
		start := strings.Index(content, "<tool_call>")
		end := strings.Index(content, "</tool_call>")
		if start != -1 && end > start {
			content = strings.TrimSpace(content[start+len("<tool_call>") : end])
		} else if start != -1 {
			content = strings.TrimSpace(content[start+len("<tool_call>"):])
		}
	}

	type wireCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	toToolCall := func(c wireCall) ToolCall {
		return ToolCall{Function: struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}{Name: c.Name, Arguments: c.Arguments}}
	}

	var calls []wireCall
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 {
		var result []ToolCall
		for _, c := range calls {
			if c.Name == "" || !isValidTool(c.Name, validTools) {
				continue
			}
			result = append(result, toToolCall(c))
		}
		return result
	}

	var single wireCall
	if err := json.Unmarshal([]byte(content), &single); err == nil && single.Name != "" {
		if isValidTool(single.Name, validTools) {
			return []ToolCall{toToolCall(single)}
		}
	}

	return nil
}

// isValidTool reports whether name is in validTools. An empty
// validTools list means no validation is performed.
func isValidTool(name string, validTools []string) bool {
	if len(validTools) == 0 {
		return true
	}
	for _, v := range validTools {
		if v == name {
			return true
		}
	}
	return false
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}
