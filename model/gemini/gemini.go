// Package gemini implements model.Model on the Google Gemini API (google.golang.org/genai).
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/hupe1980/contextree/core"
	"github.com/hupe1980/contextree/model"
)

// Options configures the Gemini model adapter.
type Options struct {
	Model           string
	Temperature     float32
	MaxOutputTokens int32
	APIKey          string
}

func defaultOptions() Options {
	return Options{
		Model:           "gemini-2.5-flash",
		Temperature:     0.7,
		MaxOutputTokens: 4096,
	}
}

// Model wraps the Gemini GenerateContent API behind model.Model.
type Model struct {
	client *genai.Client
	opts   Options
}

// NewModel creates a Gemini model. Without APIKey the client falls back to
// GEMINI_API_KEY / GOOGLE_API_KEY.
func NewModel(ctx context.Context, optFns ...func(o *Options)) (*Model, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &Model{client: client, opts: opts}, nil
}

// NewModelFromClient creates a Gemini model from an existing client.
func NewModelFromClient(client *genai.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

// Generate implements model.Model.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		contents := buildContents(req.Conversation())
		config := m.buildConfig(req)

		if !req.Stream {
			resp, err := m.client.Models.GenerateContent(ctx, m.opts.Model, contents, config)
			if err != nil {
				errCh <- fmt.Errorf("gemini api error: %w", err)
				return
			}
			out <- toResponse(resp, "")
			return
		}

		var (
			text  strings.Builder
			last  *genai.GenerateContentResponse
			calls []*genai.FunctionCall
		)
		for chunk, err := range m.client.Models.GenerateContentStream(ctx, m.opts.Model, contents, config) {
			if err != nil {
				errCh <- fmt.Errorf("gemini streaming error: %w", err)
				return
			}
			if t := chunk.Text(); t != "" {
				text.WriteString(t)
				out <- model.Response{Partial: true, Message: core.Message{Role: core.RoleAssistant, Content: t}}
			}
			calls = append(calls, chunk.FunctionCalls()...)
			last = chunk
		}
		if last == nil {
			errCh <- fmt.Errorf("gemini stream returned no chunks")
			return
		}
		resp := toResponse(last, text.String())
		resp.Message.ToolCalls = convertCalls(calls)
		out <- resp
	}()

	return out, errCh
}

func (m *Model) buildConfig(req model.Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(m.opts.Temperature),
		MaxOutputTokens: m.opts.MaxOutputTokens,
	}
	if sys := req.SystemPrompt(); sys != "" {
		config.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(req.Tools))
		for i, td := range req.Tools {
			decls[i] = &genai.FunctionDeclaration{
				Name:                 td.Function.Name,
				Description:          td.Function.Description,
				ParametersJsonSchema: td.Function.Parameters,
			}
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return config
}

// buildContents converts the conversation into Gemini contents. Tool results
// become function responses in a user turn; consecutive turns of the same
// role are merged.
func buildContents(msgs []core.Message) []*genai.Content {
	var contents []*genai.Content

	push := func(role string, parts ...*genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	for _, msg := range msgs {
		switch msg.Role {
		case core.RoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Name,
					Args: parseArgs(tc.Arguments),
				}})
			}
			push(genai.RoleModel, parts...)
		case core.RoleTool:
			key := "output"
			if msg.IsError {
				key = "error"
			}
			push(genai.RoleUser, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       msg.ToolCallID,
				Name:     msg.Name,
				Response: map[string]any{key: msg.Content},
			}})
		case core.RoleSystem:
			// carried in SystemInstruction
		default:
			if msg.Content != "" {
				push(genai.RoleUser, genai.NewPartFromText(msg.Content))
			}
		}
	}

	return contents
}

func parseArgs(args string) map[string]any {
	out := map[string]any{}
	if args == "" {
		return out
	}
	_ = json.Unmarshal([]byte(args), &out)
	return out
}

func convertCalls(calls []*genai.FunctionCall) []core.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]core.ToolCall, 0, len(calls))
	for _, fc := range calls {
		args := "{}"
		if len(fc.Args) > 0 {
			if b, err := json.Marshal(fc.Args); err == nil {
				args = string(b)
			}
		}
		out = append(out, core.ToolCall{ID: fc.ID, Name: fc.Name, Arguments: args})
	}
	return out
}

// toResponse converts a Gemini response. When text is non-empty it replaces
// the response text (used for accumulated streams).
func toResponse(resp *genai.GenerateContentResponse, text string) model.Response {
	if text == "" {
		text = resp.Text()
	}
	r := model.Response{
		ID:           resp.ResponseID,
		Message:      core.Message{Role: core.RoleAssistant, Content: text, ToolCalls: convertCalls(resp.FunctionCalls())},
		FinishReason: "stop",
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
		r.FinishReason = strings.ToLower(string(resp.Candidates[0].FinishReason))
	}
	if u := resp.UsageMetadata; u != nil {
		r.Usage = &model.TokenUsage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return r
}

// Info returns metadata describing this Gemini model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          m.opts.Model,
		Provider:      "gemini",
		SupportsTools: true,
	}
}
