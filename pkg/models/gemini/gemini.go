package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/mariozechner/coding-agent/core/pkg/models"
	"github.com/mariozechner/coding-agent/core/pkg/store"
)

const (
	// LevelTrace is a custom log level for detailed HTTP traffic.
	LevelTrace = slog.Level(-8)
)

// GeminiModel implements models.Provider using the Google Gemini API.
type GeminiModel struct {
	client *genai.Client
}

var _ models.Provider = (*GeminiModel)(nil)

// New creates a new GeminiModel.
func New(ctx context.Context, apiKey string) (*GeminiModel, error) {
	httpClient := &http.Client{
		Transport: &loggingTransport{
			base:   http.DefaultTransport,
			apiKey: apiKey,
		},
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey), option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiModel{client: client}, nil
}

type loggingTransport struct {
	base   http.RoundTripper
	apiKey string
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// A custom http.Client bypasses the library's API key injection.
	if t.apiKey != "" && req.Header.Get("x-goog-api-key") == "" && req.URL.Query().Get("key") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("x-goog-api-key", t.apiKey)
	}

	if !slog.Default().Enabled(req.Context(), LevelTrace) {
		return t.base.RoundTrip(req)
	}

	reqDump, err := httputil.DumpRequestOut(req, true)
	if err != nil {
		slog.Debug("Failed to dump Gemini request", "error", err)
	} else {
		slog.Log(req.Context(), LevelTrace, "Gemini REST Request", "url", req.URL.String(), "dump", string(reqDump))
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	// Streaming bodies are not dumped so they are not consumed here.
	isStream := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") ||
		strings.Contains(req.URL.Query().Get("alt"), "sse")

	respDump, err := httputil.DumpResponse(resp, !isStream)
	if err != nil {
		slog.Debug("Failed to dump Gemini response", "error", err)
	} else {
		slog.Log(req.Context(), LevelTrace, "Gemini REST Response", "isStream", isStream, "dump", string(respDump))
	}

	return resp, nil
}

// Name returns "gemini".
func (m *GeminiModel) Name() string { return "gemini" }

// Close releases resources.
func (m *GeminiModel) Close() {
	m.client.Close()
}

// List returns available models.
func (m *GeminiModel) List(ctx context.Context) ([]string, error) {
	iter := m.client.ListModels(ctx)
	var names []string
	for {
		model, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		slog.Debug("Found Gemini model", "name", model.Name, "inputTokenLimit", model.InputTokenLimit)
		names = append(names, model.Name)
	}
	return names, nil
}

// Stream sends the request to Gemini and returns a stream.
func (m *GeminiModel) Stream(ctx context.Context, req models.Request) (models.Stream, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("no messages to send")
	}
	slog.Debug("Gemini.Stream: Request Parameters", "model", req.Model, "messageCount", len(req.Messages), "toolCount", len(req.Tools))

	gm := m.client.GenerativeModel(req.Model)
	if req.System != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if req.Temperature != nil {
		gm.SetTemperature(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		gm.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  convertSchema(t.Parameters),
			})
		}
		gm.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	history := toContents(req.Messages)
	if len(history) == 0 {
		return nil, errors.New("no message content to send")
	}

	cs := gm.StartChat()
	cs.History = history[:len(history)-1]
	last := history[len(history)-1]

	iter := cs.SendMessageStream(ctx, last.Parts...)
	return &geminiStream{iter: iter}, nil
}

// toContents converts the history into Gemini contents. Adjacent messages
// with the same role are merged since Gemini expects turns to alternate.
func toContents(msgs []store.Message) []*genai.Content {
	var out []*genai.Content
	for _, msg := range msgs {
		var parts []genai.Part
		if msg.Content != "" {
			parts = append(parts, genai.Text(msg.Content))
		}
		for _, tc := range msg.ToolCalls {
			parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: tc.Arguments})
		}
		for _, tr := range msg.ToolResults {
			resp := map[string]any{"result": tr.Result}
			if tr.IsError {
				resp = map[string]any{"error": tr.Result}
			}
			parts = append(parts, genai.FunctionResponse{Name: tr.Name, Response: resp})
		}
		if len(parts) == 0 {
			continue
		}

		role := "user"
		if msg.Role == store.RoleAssistant {
			role = "model"
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			continue
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out
}

func convertSchema(s *jsonschema.Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        convertType(s),
		Description: s.Description,
		Required:    s.Required,
	}
	for _, e := range s.Enum {
		if str, ok := e.(string); ok {
			out.Enum = append(out.Enum, str)
		}
	}
	if s.Items != nil {
		out.Items = convertSchema(s.Items)
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, p := range s.Properties {
			out.Properties[name] = convertSchema(p)
		}
	}
	return out
}

func convertType(s *jsonschema.Schema) genai.Type {
	t := s.Type
	if t == "" {
		for _, candidate := range s.Types {
			if candidate != "null" {
				t = candidate
				break
			}
		}
	}
	switch t {
	case "object":
		return genai.TypeObject
	case "array":
		return genai.TypeArray
	case "string":
		return genai.TypeString
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	}
	return genai.TypeUnspecified
}

type geminiStream struct {
	iter *genai.GenerateContentResponseIterator

	text      strings.Builder
	toolCalls []store.ToolCall
	usage     models.Usage
	done      bool
	err       error
}

// Recv pulls responses until one carries text. Function calls and usage are
// collected on the way.
func (s *geminiStream) Recv() (models.Chunk, error) {
	for {
		if s.done {
			return models.Chunk{}, io.EOF
		}
		if s.err != nil {
			return models.Chunk{}, s.err
		}

		resp, err := s.iter.Next()
		if err == iterator.Done {
			s.done = true
			continue
		}
		if err != nil {
			s.err = err
			continue
		}

		if resp.UsageMetadata != nil {
			s.usage = models.Usage{
				InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
				OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}
		}

		var chunk strings.Builder
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				switch p := part.(type) {
				case genai.Text:
					chunk.WriteString(string(p))
				case genai.FunctionCall:
					s.toolCalls = append(s.toolCalls, store.ToolCall{
						ID:        "call-" + uuid.New().String(),
						Name:      p.Name,
						Arguments: p.Args,
					})
				}
			}
		}
		if chunk.Len() > 0 {
			s.text.WriteString(chunk.String())
			return models.Chunk{Text: chunk.String()}, nil
		}
	}
}

func (s *geminiStream) FullMessage() (models.Response, error) {
	slog.Debug("Aggregating Gemini response stream")
	for {
		_, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return models.Response{}, err
		}
	}
	return models.Response{
		Content:   s.text.String(),
		ToolCalls: s.toolCalls,
		Usage:     s.usage,
	}, nil
}

func (s *geminiStream) Close() error {
	return nil
}
