package runner

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/mariozechner/coding-agent/core/pkg/models"
	"github.com/mariozechner/coding-agent/core/pkg/store"
)

// TitleFunc produces a short display title for a conversation.
type TitleFunc func(ctx context.Context, messages []store.Message) (string, error)

const titlePrompt = "Write a title of at most six words for the conversation below. " +
	"Reply with the title only, without quotes or punctuation at the end.\n\n"

// maxTitleLen is counted in runes.
const maxTitleLen = 80

// ModelTitler returns a TitleFunc that asks model for a title based on the
// first user message and the final answer.
func ModelTitler(p models.Provider, model string) TitleFunc {
	return func(ctx context.Context, messages []store.Message) (string, error) {
		var b strings.Builder
		b.WriteString(titlePrompt)
		for _, m := range firstAndLast(messages) {
			b.WriteString(string(m.Role))
			b.WriteString(": ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
		resp, err := models.Complete(ctx, p, models.Request{
			Model:     model,
			Messages:  []store.Message{store.NewUserMessage(b.String())},
			MaxTokens: 32,
		})
		if err != nil {
			return "", err
		}
		return cleanTitle(resp.Content), nil
	}
}

// firstAndLast picks the first user message and the last assistant message
// with text.
func firstAndLast(messages []store.Message) []store.Message {
	var out []store.Message
	for _, m := range messages {
		if m.Role == store.RoleUser && m.Content != "" {
			out = append(out, m)
			break
		}
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if m := messages[i]; m.Role == store.RoleAssistant && m.Content != "" {
			out = append(out, m)
			break
		}
	}
	return out
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, "\"'`*# .")
	if utf8.RuneCountInString(s) > maxTitleLen {
		s = strings.TrimSpace(string([]rune(s)[:maxTitleLen]))
	}
	return s
}

// maybeTitle names the session in the background after its first completed
// turn. Failures are logged.
func (r *Runner) maybeTitle(ctx context.Context, s *Session) {
	if r.opts.Title == nil || !s.titled.CompareAndSwap(false, true) {
		return
	}
	messages := s.Messages()

	r.background.Add(1)
	go func() {
		defer r.background.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), titleTimeout)
		defer cancel()

		title, err := r.opts.Title(ctx, messages)
		if err != nil {
			r.logger.Warn("Title generation failed", "sessionID", s.id, "error", err)
			return
		}
		if title == "" {
			return
		}
		if err := r.opts.Store.SetTitle(ctx, s.id, title); err != nil {
			r.logger.Warn("Saving title failed", "sessionID", s.id, "error", err)
			return
		}
		r.logger.Debug("Titled session", "sessionID", s.id, "title", title)
	}()
}
