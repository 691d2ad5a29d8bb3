package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Responses wire format. Server-side conversation state is carried by
// previous_response_id; every reply returns a fresh response id that the
// session store persists for the next turn. A rejected previous_response_id
// (expired or unknown) comes back as an HTTP error and surfaces to the loop
// as FinishReason="error", which triggers its reset fallback.

func (p *OpenAIProvider) chatResponsesAPI(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := p.buildResponsesBody(req, req.OnDelta != nil)

	if req.OnDelta == nil {
		return RetryDo(ctx, p.retryConfig, func() (*ChatResponse, error) {
			respBody, err := p.doRequest(ctx, "/responses", body)
			if err != nil {
				return nil, err
			}
			defer respBody.Close()

			var rr responsesResponse
			if err := json.NewDecoder(respBody).Decode(&rr); err != nil {
				return nil, fmt.Errorf("decode response: %w", err)
			}
			return parseResponsesResponse(&rr), nil
		})
	}

	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, "/responses", body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	return consumeResponsesStream(respBody, req.OnDelta)
}

func (p *OpenAIProvider) buildResponsesBody(req ChatRequest, stream bool) map[string]interface{} {
	var input []map[string]interface{}
	var instructions string

	for _, m := range req.Messages {
		switch {
		case m.Role == "system":
			// Responses carries the system prompt out of band.
			if instructions != "" {
				instructions += "\n\n"
			}
			instructions += m.Content
		case m.Role == "tool":
			input = append(input, map[string]interface{}{
				"type":    "function_call_output",
				"call_id": m.ToolCallID,
				"output":  m.Content,
			})
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			if m.Content != "" {
				input = append(input, map[string]interface{}{
					"role":    "assistant",
					"content": m.Content,
				})
			}
			for _, tc := range m.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Arguments)
				input = append(input, map[string]interface{}{
					"type":      "function_call",
					"call_id":   tc.ID,
					"name":      tc.Name,
					"arguments": string(argsJSON),
				})
			}
		case m.Role == "user" && len(m.Images) > 0:
			var parts []map[string]interface{}
			if m.Content != "" {
				parts = append(parts, map[string]interface{}{"type": "input_text", "text": m.Content})
			}
			for _, img := range m.Images {
				parts = append(parts, map[string]interface{}{
					"type":      "input_image",
					"image_url": fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
				})
			}
			input = append(input, map[string]interface{}{"role": "user", "content": parts})
		default:
			input = append(input, map[string]interface{}{
				"role":    m.Role,
				"content": m.Content,
			})
		}
	}

	body := map[string]interface{}{
		"model":  req.Model,
		"input":  input,
		"stream": stream,
		"store":  true,
	}
	if instructions != "" {
		body["instructions"] = instructions
	}
	if req.SessionState != nil && req.SessionState.PreviousResponseID != "" {
		body["previous_response_id"] = req.SessionState.PreviousResponseID
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]interface{}, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = map[string]interface{}{
				"type":        "function",
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  t.Function.Parameters,
			}
		}
		body["tools"] = tools
		body["tool_choice"] = toolChoiceValue(req.ToolChoice)
	}
	if req.MaxTokens > 0 {
		body["max_output_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}

	for _, k := range p.dropParams {
		delete(body, k)
	}
	return body
}

// --- Responses wire types ---

type responsesResponse struct {
	ID               string `json:"id"`
	Model            string `json:"model"`
	Status           string `json:"status"` // "completed", "incomplete", "failed"
	ConversationID   string `json:"conversation_id"`
	IncompleteDetail *struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
	Output []responsesOutputItem `json:"output"`
	Usage  *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

type responsesOutputItem struct {
	Type    string `json:"type"` // "message", "function_call"
	Content []struct {
		Type string `json:"type"` // "output_text"
		Text string `json:"text"`
	} `json:"content"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func parseResponsesResponse(rr *responsesResponse) *ChatResponse {
	if rr.Status == "failed" {
		msg := "response failed"
		if rr.Error != nil && rr.Error.Message != "" {
			msg = rr.Error.Message
		}
		return ErrorResponse(msg)
	}

	result := &ChatResponse{
		FinishReason:   "stop",
		ResponseID:     rr.ID,
		ConversationID: rr.ConversationID,
		Model:          rr.Model,
	}
	for _, item := range rr.Output {
		switch item.Type {
		case "message":
			for _, part := range item.Content {
				if part.Type == "output_text" {
					result.Content += part.Text
				}
			}
		case "function_call":
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        item.CallID,
				Name:      strings.TrimSpace(item.Name),
				Arguments: ParseToolArguments(item.Arguments),
			})
		}
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	} else if rr.Status == "incomplete" && rr.IncompleteDetail != nil && rr.IncompleteDetail.Reason == "max_output_tokens" {
		result.FinishReason = "length"
	}
	if rr.Usage != nil {
		result.Usage = &Usage{
			PromptTokens:     rr.Usage.InputTokens,
			CompletionTokens: rr.Usage.OutputTokens,
			TotalTokens:      rr.Usage.TotalTokens,
		}
	}
	return result
}

// consumeResponsesStream reads SSE events; text arrives as
// response.output_text.delta events and the final response object as
// response.completed (or response.failed).
func consumeResponsesStream(body io.ReadCloser, onDelta func(string)) (*ChatResponse, error) {
	var final *ChatResponse
	streamed := ""

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var event struct {
			Type     string             `json:"type"`
			Delta    string             `json:"delta"`
			Response *responsesResponse `json:"response"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "response.output_text.delta":
			if event.Delta != "" {
				streamed += event.Delta
				onDelta(event.Delta)
			}
		case "response.completed", "response.incomplete", "response.failed":
			if event.Response != nil {
				final = parseResponsesResponse(event.Response)
			}
		}
	}

	if final == nil {
		if streamed == "" {
			return nil, fmt.Errorf("stream ended without a terminal event")
		}
		final = &ChatResponse{Content: streamed, FinishReason: "stop"}
	}
	if final.Content == "" && streamed != "" {
		final.Content = streamed
	}
	return final, nil
}
