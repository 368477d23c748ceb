package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/agentd/internal/logging"
	"github.com/opencode-ai/agentd/internal/session"
)

// Response object values.
const (
	objectResponse = "response"

	responseCompleted  = "completed"
	responseFailed     = "failed"
	responseIncomplete = "incomplete"

	itemMessage      = "message"
	itemFunctionCall = "function_call"
	contentOutput    = "output_text"
)

// ResponseRequest is the body of POST /v1/responses. Only stateless use is
// supported: store and previous_response_id are rejected.
type ResponseRequest struct {
	Model              string            `json:"model"`
	Instructions       *string           `json:"instructions,omitempty"`
	Input              ResponseInput     `json:"input"`
	Store              *bool             `json:"store,omitempty"`
	PreviousResponseID *string           `json:"previous_response_id,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Temperature        *float64          `json:"temperature,omitempty"`
	MaxOutputTokens    *int              `json:"max_output_tokens,omitempty"`
	User               *string           `json:"user,omitempty"`
	Agent              *string           `json:"agent,omitempty"`
}

// ResponseInput is either a plain text prompt or a list of input items.
type ResponseInput struct {
	Text  *string
	Items []ResponseInputItem
}

// UnmarshalJSON accepts a string or an array of items.
func (in *ResponseInput) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		in.Text = &text
		return nil
	}
	return json.Unmarshal(data, &in.Items)
}

// MarshalJSON writes the form the input was given in.
func (in ResponseInput) MarshalJSON() ([]byte, error) {
	if in.Text != nil {
		return json.Marshal(*in.Text)
	}
	return json.Marshal(in.Items)
}

// ResponseInputItem is one input item. Items other than messages are ignored.
type ResponseInputItem struct {
	Type    string       `json:"type,omitempty"`
	Role    string       `json:"role,omitempty"`
	Content ContentInput `json:"content"`
}

// ContentInput is a message body: a string or a list of content parts.
type ContentInput struct {
	Text  *string
	Parts []ContentPart
}

// UnmarshalJSON accepts a string or an array of parts.
func (c *ContentInput) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		c.Text = &text
		return nil
	}
	return json.Unmarshal(data, &c.Parts)
}

// MarshalJSON writes the form the content was given in.
func (c ContentInput) MarshalJSON() ([]byte, error) {
	if c.Text != nil {
		return json.Marshal(*c.Text)
	}
	return json.Marshal(c.Parts)
}

// String joins the text parts of c, one per line. Parts of other types
// are skipped.
func (c ContentInput) String() string {
	if c.Text != nil {
		return *c.Text
	}
	texts := make([]string, 0, len(c.Parts))
	for _, p := range c.Parts {
		switch p.Type {
		case "", "text", "input_text", "output_text":
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// ContentPart is one part of a message body.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ResponseObject is the body answered by POST /v1/responses.
type ResponseObject struct {
	ID              string            `json:"id"`
	Object          string            `json:"object"`
	CreatedAt       int64             `json:"created_at"`
	Model           string            `json:"model"`
	Status          string            `json:"status"`
	Output          []OutputItem      `json:"output"`
	Instructions    *string           `json:"instructions,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Temperature     *float64          `json:"temperature,omitempty"`
	MaxOutputTokens *int              `json:"max_output_tokens,omitempty"`
	User            *string           `json:"user,omitempty"`
	Usage           ResponseUsage     `json:"usage"`
	Error           *ErrorDetail      `json:"error"`
}

// OutputItem is a message or a function call produced by the turn.
type OutputItem struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Status string `json:"status"`

	// message
	Role    string          `json:"role,omitempty"`
	Content []OutputContent `json:"content,omitempty"`

	// function_call
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// OutputContent is one part of an output message.
type OutputContent struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Annotations []any  `json:"annotations"`
}

// ResponseUsage reports token counts. The agent does not track them, so
// they are always zero.
type ResponseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func newItemID(prefix string) string {
	return prefix + strings.ToLower(ulid.Make().String())
}

// toTrace builds the turn input: instructions become a system message,
// followed by the text prompt or the input messages in order.
func (req *ResponseRequest) toTrace() ([]*schema.Message, error) {
	var out []*schema.Message
	if req.Instructions != nil && *req.Instructions != "" {
		out = append(out, schema.SystemMessage(*req.Instructions))
	}

	if req.Input.Text != nil {
		out = append(out, schema.UserMessage(*req.Input.Text))
	}
	for i, item := range req.Input.Items {
		if item.Type != "" && item.Type != itemMessage {
			continue
		}
		text := item.Content.String()
		switch strings.ToLower(item.Role) {
		case "", "user":
			out = append(out, schema.UserMessage(text))
		case "assistant":
			out = append(out, schema.AssistantMessage(text, nil))
		case "system", "developer":
			out = append(out, schema.SystemMessage(text))
		default:
			return nil, fmt.Errorf("input[%d]: unknown role %q", i, item.Role)
		}
	}

	if len(out) == 0 || out[len(out)-1].Role == schema.System {
		return nil, fmt.Errorf("input must not be empty")
	}
	return out, nil
}

// createResponse runs one stateless turn on a throwaway session and
// answers with the response object once the turn ends.
func (s *Server) createResponse(w http.ResponseWriter, r *http.Request) {
	var req ResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	reqID := requestID(r)
	log := logging.ForRequest(reqID, "")
	if req.Store != nil && *req.Store {
		log.Warn().Msg("stateful response requested (store=true)")
		writeError(w, http.StatusNotImplemented, ErrCodeNotImplemented, "store=true is not supported")
		return
	}
	if req.PreviousResponseID != nil {
		log.Warn().Msg("stateful response requested (previous_response_id)")
		writeError(w, http.StatusNotImplemented, ErrCodeNotImplemented, "previous_response_id is not supported")
		return
	}

	input, err := req.toTrace()
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	rs, id, err := s.manager.HandleStateless(r.Context(), reqID, input, req.Agent)
	if err != nil {
		logging.ForRequest(reqID, id).Warn().Err(err).Msg("response rejected")
		writeSessionError(w, id, err)
		return
	}
	w.Header().Set(HeaderSessionID, id)

	resp := ResponseObject{
		ID:              newItemID("resp_"),
		Object:          objectResponse,
		CreatedAt:       time.Now().Unix(),
		Model:           req.Model,
		Instructions:    req.Instructions,
		Metadata:        req.Metadata,
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxOutputTokens,
		User:            req.User,
	}

	res, ok := collectTurn(r.Context(), session.NewStream(rs))
	if !ok {
		return
	}

	switch {
	case res.agentErr != "":
		resp.Status = responseFailed
		resp.Error = &ErrorDetail{Code: ErrCodeAgentError, Message: res.agentErr}
	case !res.completed:
		resp.Status = responseIncomplete
	case !res.success:
		resp.Status = responseFailed
	default:
		resp.Status = responseCompleted
	}

	resp.Output = functionCalls(res.messages)
	resp.Output = append(resp.Output, OutputItem{
		Type:    itemMessage,
		ID:      newItemID("msg_"),
		Status:  responseCompleted,
		Role:    "assistant",
		Content: []OutputContent{{Type: contentOutput, Text: res.content, Annotations: []any{}}},
	})
	writeJSON(w, http.StatusOK, resp)
}

// functionCalls lists the tool calls the agent made during the turn.
func functionCalls(msgs []*schema.Message) []OutputItem {
	var items []OutputItem
	for _, m := range msgs {
		for _, call := range m.ToolCalls {
			items = append(items, OutputItem{
				Type:      itemFunctionCall,
				ID:        call.ID,
				Status:    responseCompleted,
				CallID:    call.ID,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			})
		}
	}
	return items
}
