// Package scripted provides a models.Provider that replays canned replies.
// It backs the turn loop tests and offline demos.
package scripted

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/mariozechner/coding-agent/core/pkg/models"
	"github.com/mariozechner/coding-agent/core/pkg/store"
)

// ErrExhausted is returned when more requests arrive than replies were scripted.
var ErrExhausted = errors.New("scripted provider: no replies left")

// Reply is one scripted model response.
type Reply struct {
	// Chunks are streamed in order; their concatenation is the response text.
	Chunks    []string
	ToolCalls []store.ToolCall
	Usage     models.Usage

	// Err fails the Stream call itself.
	Err error
	// StreamErr is returned by Recv after all chunks were delivered.
	StreamErr error
	// Hold, when set, blocks Recv after the chunks until it is closed or the
	// request context is done.
	Hold <-chan struct{}
}

// Text is a reply consisting of a single chunk.
func Text(s string) Reply {
	return Reply{Chunks: []string{s}}
}

// Calls is a reply requesting the given tool calls.
func Calls(calls ...store.ToolCall) Reply {
	return Reply{ToolCalls: calls}
}

// Provider replays Replies in order and records every request.
type Provider struct {
	mu       sync.Mutex
	replies  []Reply
	requests []models.Request
	// Respond, when set, produces replies instead of the queue.
	Respond func(req models.Request) Reply
}

var _ models.Provider = (*Provider)(nil)

// New creates a Provider that will answer with replies in order.
func New(replies ...Reply) *Provider {
	return &Provider{replies: replies}
}

// Push queues more replies.
func (p *Provider) Push(replies ...Reply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, replies...)
}

// Requests returns the requests seen so far.
func (p *Provider) Requests() []models.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Request(nil), p.requests...)
}

func (p *Provider) Name() string { return "scripted" }

func (p *Provider) List(ctx context.Context) ([]string, error) {
	return []string{"scripted"}, nil
}

func (p *Provider) Stream(ctx context.Context, req models.Request) (models.Stream, error) {
	p.mu.Lock()
	req.Messages = store.CloneMessages(req.Messages)
	p.requests = append(p.requests, req)
	var r Reply
	switch {
	case p.Respond != nil:
		r = p.Respond(req)
	case len(p.replies) == 0:
		p.mu.Unlock()
		return nil, ErrExhausted
	default:
		r = p.replies[0]
		p.replies = p.replies[1:]
	}
	p.mu.Unlock()

	if r.Err != nil {
		return nil, r.Err
	}
	return &stream{ctx: ctx, reply: r}, nil
}

type stream struct {
	ctx   context.Context
	reply Reply
	next  int
	text  strings.Builder
	held  bool
}

func (s *stream) Recv() (models.Chunk, error) {
	if err := s.ctx.Err(); err != nil {
		return models.Chunk{}, err
	}
	if s.next < len(s.reply.Chunks) {
		c := s.reply.Chunks[s.next]
		s.next++
		s.text.WriteString(c)
		return models.Chunk{Text: c}, nil
	}
	if s.reply.Hold != nil && !s.held {
		select {
		case <-s.reply.Hold:
			s.held = true
		case <-s.ctx.Done():
			return models.Chunk{}, s.ctx.Err()
		}
	}
	if s.reply.StreamErr != nil {
		return models.Chunk{}, s.reply.StreamErr
	}
	return models.Chunk{}, io.EOF
}

func (s *stream) FullMessage() (models.Response, error) {
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
		ToolCalls: s.reply.ToolCalls,
		Usage:     s.reply.Usage,
	}, nil
}

func (s *stream) Close() error { return nil }
