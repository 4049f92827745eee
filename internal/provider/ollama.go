package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const roleSystem = "system"

// OllamaProvider talks to Ollama's native /api/chat endpoint: newline-delimited
// JSON, one object per streamed token/tool-call batch, terminated by an object
// with "done": true. This is distinct from the OpenAI-compatible SSE format
// LM-Studio speaks (see lmstudio.go) — Ollama never wraps chunks in
// "data: " lines or sends a "[DONE]" sentinel.
type OllamaProvider struct {
	name        string
	baseURL     string // e.g. http://localhost:11434, no trailing /api
	httpClient  *http.Client
	model       string
	temperature float64
}

func NewOllama(endpoint, model string) *OllamaProvider {
	return NewOllamaWithTemp("ollama", endpoint, model, 0.7)
}

func NewOllamaWithTemp(name string, endpoint string, model string, temperature float64) *OllamaProvider {
	return &OllamaProvider{
		name:        name,
		baseURL:     strings.TrimRight(endpoint, "/"),
		httpClient:  &http.Client{},
		model:       model,
		temperature: temperature,
	}
}

func (p *OllamaProvider) Name() string { return p.name }

// Capabilities reports what Ollama's /api/chat wire format can carry.
func (p *OllamaProvider) Capabilities() Capabilities {
	return Capabilities{
		Name:               p.name,
		DefaultPort:        11434,
		SupportsThinking:   true,
		SupportsKeepAlive:  true,
		SupportsTools:      true,
		SupportsJSONMode:   true,
		SupportsStreaming:  true,
		SupportsEmbeddings: true,
		SupportsContextAPI: true,
	}
}

func (p *OllamaProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	req := ollamaChatRequest{
		Model:    p.model,
		Messages: mergeConsecutiveSystemMessages(toOllamaMessages(messages)),
		Tools:    toOllamaTools(tools),
		Stream:   true,
		Options:  ollamaOptions{Temperature: float32(p.temperature)},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	reader, err := ollamaAttempt(ctx, p.httpClient, p.baseURL+"/api/chat", body)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer reader.Close()
		parseNDJSONStream(ctx, reader, ch)
	}()

	return ch, nil
}

func (p *OllamaProvider) ListModels(ctx context.Context) ([]Model, error) {
	url := p.baseURL + "/api/tags"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("list models status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var listResp ollamaListResponse
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, err
	}

	models := make([]Model, len(listResp.Models))
	for i, m := range listResp.Models {
		models[i] = Model{
			Name:       m.Name,
			Size:       m.Size,
			Digest:     m.Digest,
			ModifiedAt: m.ModifiedAt,
			Format:     m.Details.Format,
			Family:     m.Details.Family,
			ParamSize:  m.Details.ParamSize,
			QuantLevel: m.Details.QuantLevel,
		}
	}
	return models, nil
}

func (p *OllamaProvider) Close() error {
	if p.httpClient != nil {
		p.httpClient.CloseIdleConnections()
	}
	return nil
}

type ollamaListResponse struct {
	Models []ollamaModel `json:"models"`
}

type ollamaModel struct {
	Name       string             `json:"name"`
	Size       int64              `json:"size"`
	Digest     string             `json:"digest"`
	ModifiedAt time.Time          `json:"modified_at"`
	Details    ollamaModelDetails `json:"details"`
}

type ollamaModelDetails struct {
	Format     string `json:"format"`
	Family     string `json:"family"`
	ParamSize  string `json:"parameter_size"`
	QuantLevel string `json:"quantization_level"`
}

// ollamaChatRequest is the request body for POST /api/chat.
type ollamaChatRequest struct {
	Model    string             `json:"model"`
	Messages []ollamaReqMessage `json:"messages"`
	Tools    []ollamaReqTool    `json:"tools,omitempty"`
	Stream   bool               `json:"stream"`
	Options  ollamaOptions      `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float32 `json:"temperature,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaReqMessage struct {
	Role       string              `json:"role"`
	Content    string              `json:"content"`
	ToolCallID string              `json:"tool_call_id,omitempty"`
	ToolCalls  []ollamaReqToolCall `json:"tool_calls,omitempty"`
}

type ollamaReqTool struct {
	Type     string            `json:"type"`
	Function ollamaReqFunction `json:"function"`
}

type ollamaReqFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type ollamaReqToolCall struct {
	Function ollamaReqFuncCall `json:"function"`
}

type ollamaReqFuncCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func toOllamaMessages(messages []Message) []ollamaReqMessage {
	result := make([]ollamaReqMessage, 0, len(messages))
	for _, m := range messages {
		// The §4.B display message (role=system, carries a ToolCallID) is
		// the human-facing transcript half of a tool call's message pair —
		// only its tool-role counterpart is meant to reach the model.
		if m.Role == roleSystem && m.ToolCallID != "" {
			continue
		}

		msg := ollamaReqMessage{
			Role:    m.Role,
			Content: m.Content,
		}

		if m.ToolCallID != "" {
			msg.ToolCallID = m.ToolCallID
		}

		if len(m.ToolCalls) > 0 {
			msg.ToolCalls = make([]ollamaReqToolCall, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				msg.ToolCalls[j] = ollamaReqToolCall{
					Function: ollamaReqFuncCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				}
			}
		}

		result = append(result, msg)
	}
	return result
}

func toOllamaTools(tools []Tool) []ollamaReqTool {
	if tools == nil {
		return nil
	}
	emptyParams := json.RawMessage(`{"type":"object","properties":{}}`)
	result := make([]ollamaReqTool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = emptyParams
		}

		result[i] = ollamaReqTool{
			Type: "function",
			Function: ollamaReqFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return result
}

func mergeConsecutiveSystemMessages(messages []ollamaReqMessage) []ollamaReqMessage {
	if len(messages) == 0 {
		return messages
	}

	result := make([]ollamaReqMessage, 0, len(messages))
	var systemBuffer strings.Builder
	inSystemRun := false

	for i, msg := range messages {
		if msg.Role == roleSystem {
			if inSystemRun {
				systemBuffer.WriteString("\n\n")
			} else {
				inSystemRun = true
			}
			systemBuffer.WriteString(msg.Content)
		} else {
			if inSystemRun {
				result = append(result, ollamaReqMessage{Role: roleSystem, Content: systemBuffer.String()})
				systemBuffer.Reset()
				inSystemRun = false
			}
			result = append(result, msg)
		}

		if i == len(messages)-1 && inSystemRun {
			result = append(result, ollamaReqMessage{Role: roleSystem, Content: systemBuffer.String()})
		}
	}

	log.Debug().
		Int("original_count", len(messages)).
		Int("merged_count", len(result)).
		Msg("Merged consecutive system messages")

	return result
}

// ollamaChatChunk is one NDJSON object from the /api/chat stream.
type ollamaChatChunk struct {
	Message struct {
		Role      string              `json:"role"`
		Content   string              `json:"content"`
		Thinking  string              `json:"thinking"`
		ToolCalls []ollamaRespToolCall `json:"tool_calls"`
	} `json:"message"`
	Done           bool   `json:"done"`
	PromptEvalCount int   `json:"prompt_eval_count"`
	EvalCount      int    `json:"eval_count"`
	Error          string `json:"error"`
}

type ollamaRespToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// ollamaAttempt issues the chat request. Spec §4.A.1 doesn't ask for any
// connection-recovery behavior on this adapter (unlike LM-Studio's §4.A.2
// stale-connection reconnect, in lmstudio.go) — a failed request is simply
// reported to the caller.
func ollamaAttempt(ctx context.Context, client *http.Client, url string, body []byte) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("ollama chat status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return resp.Body, nil
}

// parseNDJSONStream reads one JSON object per line from an Ollama /api/chat
// response and emits StreamEvents. Unlike LM-Studio's delta-encoded tool-call
// arguments, Ollama emits each tool call whole in a single chunk — begin and
// delta are sent back to back for the same call.
func parseNDJSONStream(ctx context.Context, reader io.Reader, ch chan<- StreamEvent) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			log.Warn().Err(err).Str("line", string(line)).Msg("Failed to parse Ollama NDJSON chunk")
			continue
		}

		if chunk.Error != "" {
			trySend(ctx, ch, StreamEvent{Type: EventError, Err: fmt.Errorf("ollama: %s", chunk.Error)})
			return
		}

		if chunk.Message.Thinking != "" {
			if !trySend(ctx, ch, StreamEvent{Type: EventReasoningDelta, Content: chunk.Message.Thinking}) {
				return
			}
		}
		if chunk.Message.Content != "" {
			if !trySend(ctx, ch, StreamEvent{Type: EventContentDelta, Content: chunk.Message.Content}) {
				return
			}
		}
		for i, tc := range chunk.Message.ToolCalls {
			if !trySend(ctx, ch, StreamEvent{
				Type: EventToolCallBegin, ToolCallIndex: i,
				ToolCallID: fmt.Sprintf("call_%d", i), ToolCallName: tc.Function.Name,
			}) {
				return
			}
			if !trySend(ctx, ch, StreamEvent{
				Type: EventToolCallDelta, ToolCallIndex: i,
				ToolCallArgs: string(tc.Function.Arguments),
			}) {
				return
			}
		}

		if chunk.Done {
			if chunk.PromptEvalCount > 0 || chunk.EvalCount > 0 {
				trySend(ctx, ch, StreamEvent{
					Type:         EventUsage,
					InputTokens:  chunk.PromptEvalCount,
					OutputTokens: chunk.EvalCount,
				})
			}
			trySend(ctx, ch, StreamEvent{Type: EventDone})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		trySend(ctx, ch, StreamEvent{Type: EventError, Err: err})
		return
	}
	trySend(ctx, ch, StreamEvent{Type: EventDone})
}
