package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// LMStudioProvider talks to LM-Studio's OpenAI-compatible /v1/chat/completions
// endpoint: chunked-transfer SSE, "data: " lines, tool-call arguments streamed
// as per-index deltas that must be concatenated (never replaced) to
// reassemble each call's JSON arguments. go-openai's request/response struct
// types are reused for marshaling, but not its stream reader — that reader
// can't do the raw chunked-transfer decode plus by-index delta reassembly
// this wire format requires.
type LMStudioProvider struct {
	name        string
	baseURL     string // e.g. http://localhost:1234/v1
	httpClient  *http.Client
	model       string
	temperature float64
}

func NewLMStudio(name, endpoint, model string, temperature float64) *LMStudioProvider {
	return &LMStudioProvider{
		name:        name,
		baseURL:     strings.TrimRight(endpoint, "/"),
		httpClient:  &http.Client{},
		model:       model,
		temperature: temperature,
	}
}

func (p *LMStudioProvider) Name() string { return p.name }

// Capabilities reports what LM-Studio's OpenAI-compatible wire format can
// carry. LM-Studio has no keep_alive or native context API; ChatStream's
// request never includes those fields.
func (p *LMStudioProvider) Capabilities() Capabilities {
	return Capabilities{
		Name:               p.name,
		DefaultPort:        1234,
		SupportsThinking:   true,
		SupportsKeepAlive:  false,
		SupportsTools:      true,
		SupportsJSONMode:   true,
		SupportsStreaming:  true,
		SupportsEmbeddings: true,
		SupportsContextAPI: false,
	}
}

func (p *LMStudioProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	req := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    mergeSystemMessagesOpenAI(toOpenAIMessages(messages)),
		Tools:       toOpenAITools(tools),
		Temperature: float32(p.temperature),
		Stream:      true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	url := p.baseURL + "/chat/completions"
	reader, err := lmstudioDoSSE(ctx, p.httpClient, p.name, url, body)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent)
	go p.streamWithRecovery(ctx, url, body, reader, ch)

	return ch, nil
}

// streamWithRecovery parses reader into ch and, per §4.A.2's stale-connection
// recovery, recovers once from a connection that dies mid-stream after the
// initial handshake already succeeded: on EndOfStream/ConnectionResetByPeer
// it recreates the HTTP client, waits ~100ms, and retries the whole request
// exactly once before giving up. This is distinct from lmstudioDoSSE's own
// backoff ladder, which only covers the initial connection attempt.
func (p *LMStudioProvider) streamWithRecovery(ctx context.Context, url string, body []byte, reader io.ReadCloser, ch chan<- StreamEvent) {
	defer close(ch)

	err := parseLMStudioSSE(ctx, reader, ch)
	reader.Close()
	if err == nil {
		return
	}
	if ctx.Err() != nil || !isStaleConnectionErr(err) {
		trySend(ctx, ch, StreamEvent{Type: EventError, Err: err})
		return
	}

	log.Warn().Str("provider", p.name).Err(err).Msg("LM-Studio connection went stale mid-stream, reconnecting")
	p.httpClient.CloseIdleConnections()
	p.httpClient = &http.Client{}

	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		trySend(ctx, ch, StreamEvent{Type: EventError, Err: ctx.Err()})
		return
	}

	retryReader, retryErr := lmstudioDoSSE(ctx, p.httpClient, p.name, url, body)
	if retryErr != nil {
		trySend(ctx, ch, StreamEvent{Type: EventError, Err: retryErr})
		return
	}
	defer retryReader.Close()

	if err := parseLMStudioSSE(ctx, retryReader, ch); err != nil {
		trySend(ctx, ch, StreamEvent{Type: EventError, Err: err})
	}
}

// isStaleConnectionErr reports whether err looks like the connection died
// out from under an in-progress read rather than a real protocol/status
// failure — §4.A.2's EndOfStream/ConnectionResetByPeer case.
func isStaleConnectionErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset by peer") || strings.Contains(msg, "eof")
}

func (p *LMStudioProvider) ListModels(ctx context.Context) ([]Model, error) {
	url := p.baseURL + "/models"
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

	var listResp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, err
	}

	models := make([]Model, len(listResp.Data))
	for i, m := range listResp.Data {
		models[i] = Model{Name: m.ID}
	}
	return models, nil
}

func (p *LMStudioProvider) Close() error {
	if p.httpClient != nil {
		p.httpClient.CloseIdleConnections()
	}
	return nil
}

// toOpenAIMessages converts provider-agnostic messages to OpenAI SDK message format.
func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		// The §4.B display message (role=system, carries a ToolCallID) is
		// the human-facing transcript half of a tool call's message pair —
		// only its tool-role counterpart is meant to reach the model.
		if m.Role == roleSystem && m.ToolCallID != "" {
			continue
		}

		msg := openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		}
		if m.ToolCallID != "" {
			msg.ToolCallID = m.ToolCallID
		}
		if len(m.ToolCalls) > 0 {
			msg.ToolCalls = make([]openai.ToolCall, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				msg.ToolCalls[j] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
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

// mergeSystemMessagesOpenAI collapses every system message into a single
// leading one, preserving conversation order for everything else.
func mergeSystemMessagesOpenAI(messages []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	if len(messages) == 0 {
		return messages
	}

	var systemMessages []string
	var rest []openai.ChatCompletionMessage
	for _, msg := range messages {
		if msg.Role == roleSystem {
			systemMessages = append(systemMessages, msg.Content)
		} else {
			rest = append(rest, msg)
		}
	}

	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	if len(systemMessages) > 0 {
		result = append(result, openai.ChatCompletionMessage{
			Role:    roleSystem,
			Content: strings.Join(systemMessages, "\n\n"),
		})
	}
	return append(result, rest...)
}

// toOpenAITools converts provider-agnostic tools to OpenAI SDK tool format.
// Parameters pass through as json.RawMessage to preserve deterministic key
// ordering, which matters for prompt-cache hit rate on repeated turns.
func toOpenAITools(tools []Tool) []openai.Tool {
	if tools == nil {
		return nil
	}
	emptyParams := json.RawMessage(`{"type":"object","properties":{}}`)
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = emptyParams
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return result
}

// lmstudioChunk mirrors the subset of the OpenAI chat-completions streaming
// chunk shape LM-Studio actually sends.
type lmstudioChunk struct {
	Choices []lmstudioChoice `json:"choices"`
	Usage   *lmstudioUsage   `json:"usage,omitempty"`
}

type lmstudioUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type lmstudioChoice struct {
	Delta        lmstudioDelta `json:"delta"`
	FinishReason *string       `json:"finish_reason"`
}

type lmstudioDelta struct {
	Content          string            `json:"content,omitempty"`
	Reasoning        string            `json:"reasoning,omitempty"`
	ReasoningContent string            `json:"reasoning_content,omitempty"`
	ToolCalls        []lmstudioToolCall `json:"tool_calls,omitempty"`
}

// lmstudioToolCall is one streamed delta fragment of a tool call. Index
// identifies which call this fragment belongs to; Name/ID are only present
// on the first fragment, Arguments arrives as successive fragments that must
// be concatenated in order (never overwritten) to reconstruct valid JSON.
type lmstudioToolCall struct {
	Index    int                  `json:"index"`
	ID       string               `json:"id"`
	Function lmstudioFunctionCall `json:"function"`
}

type lmstudioFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

var lmstudioRetryDelays = []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}

// lmstudioDoSSE opens the streaming request, retrying transient failures on
// the initial connection with the backoff ladder in lmstudioRetryDelays. On
// success it returns the live response body. A connection that looked fine
// here but then goes dead mid-stream is a separate failure mode, handled by
// streamWithRecovery's own one-shot reconnect.
func lmstudioDoSSE(ctx context.Context, client *http.Client, name, url string, body []byte) (io.ReadCloser, error) {
	var lastErr error
	for attempt := 0; attempt <= len(lmstudioRetryDelays); attempt++ {
		if attempt > 0 {
			delay := lmstudioRetryDelays[attempt-1]
			log.Warn().Str("provider", name).Int("attempt", attempt).Dur("delay", delay).Msg("Retrying LM-Studio connection after transient error")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		reader, retryErr, fatalErr := lmstudioAttempt(ctx, client, url, body)
		if fatalErr != nil {
			return nil, fatalErr
		}
		if retryErr == nil {
			return reader, nil
		}
		lastErr = retryErr
	}
	return nil, fmt.Errorf("LM-Studio stream request failed after %d retries: %w", len(lmstudioRetryDelays), lastErr)
}

func lmstudioAttempt(ctx context.Context, client *http.Client, url string, body []byte) (io.ReadCloser, error, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err, nil
	}

	switch {
	case resp.StatusCode == 429 || resp.StatusCode >= 500:
		payload, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("lmstudio status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))), nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		payload, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, nil, fmt.Errorf("lmstudio status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return resp.Body, nil, nil
}

// parseLMStudioSSE reads "data: " lines from a chunked-transfer SSE response
// and reassembles streamed tool-call argument fragments by index. It returns
// the scanner's read error, if any, so the caller can decide whether to
// surface it as an EventError or attempt the §4.A.2 stale-connection
// recovery — this function never sends EventError itself.
func parseLMStudioSSE(ctx context.Context, reader io.Reader, ch chan<- StreamEvent) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)

	seenIndex := map[int]bool{}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			trySend(ctx, ch, StreamEvent{Type: EventDone})
			return nil
		}

		var chunk lmstudioChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Warn().Err(err).Str("data", data).Msg("Failed to parse LM-Studio SSE chunk")
			continue
		}
		if chunk.Usage != nil {
			trySend(ctx, ch, StreamEvent{
				Type:         EventUsage,
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			})
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if !emitLMStudioDelta(ctx, ch, chunk.Choices[0].Delta, seenIndex) {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	trySend(ctx, ch, StreamEvent{Type: EventDone})
	return nil
}

func emitLMStudioDelta(ctx context.Context, ch chan<- StreamEvent, delta lmstudioDelta, seenIndex map[int]bool) bool {
	reasoning := delta.Reasoning
	if reasoning == "" {
		reasoning = delta.ReasoningContent
	}
	if reasoning != "" {
		if !trySend(ctx, ch, StreamEvent{Type: EventReasoningDelta, Content: reasoning}) {
			return false
		}
	}
	if delta.Content != "" {
		if !trySend(ctx, ch, StreamEvent{Type: EventContentDelta, Content: delta.Content}) {
			return false
		}
	}
	for _, tc := range delta.ToolCalls {
		if !seenIndex[tc.Index] {
			seenIndex[tc.Index] = true
			if !trySend(ctx, ch, StreamEvent{
				Type: EventToolCallBegin, ToolCallIndex: tc.Index,
				ToolCallID: tc.ID, ToolCallName: tc.Function.Name,
			}) {
				return false
			}
		}
		if tc.Function.Arguments != "" {
			if !trySend(ctx, ch, StreamEvent{
				Type: EventToolCallDelta, ToolCallIndex: tc.Index,
				ToolCallArgs: tc.Function.Arguments,
			}) {
				return false
			}
		}
	}
	return true
}

func trySend(ctx context.Context, ch chan<- StreamEvent, evt StreamEvent) bool {
	select {
	case ch <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}
