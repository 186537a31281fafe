package models

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/mariozechner/coding-agent/core/pkg/store"
)

// ToolSchema describes a tool offered to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
}

// Request is a single model invocation.
type Request struct {
	// Model identifies which model to use (e.g. "gemini-2.0-flash").
	Model string
	// System is the system prompt.
	System string
	// Messages is the conversation history, oldest first.
	Messages []store.Message
	Tools    []ToolSchema
	// Temperature is left to the provider default when nil.
	Temperature *float32
	// MaxTokens caps the response length. Zero means provider default.
	MaxTokens int
}

// Chunk is a piece of streamed assistant text.
type Chunk struct {
	Text string
}

// Usage reports token accounting for a response.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the complete result of a model invocation.
type Response struct {
	Content   string
	ToolCalls []store.ToolCall
	Usage     Usage
}

// Provider represents a service that provides LLMs (e.g. Gemini).
type Provider interface {
	// Name returns the provider's identifier.
	Name() string

	// List returns the names of available models.
	List(ctx context.Context) ([]string, error)

	// Stream sends a request to the LLM and returns a stream of responses.
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream abstracts the stream of responses from the model.
type Stream interface {
	// Recv returns the next text chunk. It returns io.EOF once the model is done.
	Recv() (Chunk, error)

	// FullMessage blocks until the full response is available. Text already
	// returned by Recv is included.
	FullMessage() (Response, error)

	Close() error
}

// Complete runs req to completion without looking at individual chunks.
func Complete(ctx context.Context, p Provider, req Request) (Response, error) {
	s, err := p.Stream(ctx, req)
	if err != nil {
		return Response{}, fmt.Errorf("starting stream: %w", err)
	}
	defer s.Close()
	return s.FullMessage()
}

// Drain reads s until io.EOF, handing every non-empty chunk to fn, and then
// returns the full response.
func Drain(s Stream, fn func(Chunk)) (Response, error) {
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Response{}, err
		}
		if c.Text != "" && fn != nil {
			fn(c)
		}
	}
	return s.FullMessage()
}
