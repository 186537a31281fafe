package compaction

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mariozechner/coding-agent/core/pkg/store"
)

// SummaryMarker starts the content of every synthetic summary message.
const SummaryMarker = "[Previous conversation summary]"

const summarizerSystemPrompt = "You are a conversation summarizer."

const summaryInstructions = "You are summarizing a conversation history for context compaction. " +
	"Create a dense, comprehensive summary of the following conversation that preserves:\n" +
	"- Key decisions and outcomes\n" +
	"- Important code/files that were created or modified\n" +
	"- Current state of any ongoing tasks\n" +
	"- Any instructions or preferences the user expressed\n\n" +
	"Be thorough but concise. This summary will replace the original messages.\n\n" +
	"CONVERSATION TO SUMMARIZE:\n"

// maxRenderedResult bounds each tool result in the transcript.
const maxRenderedResult = 2000

func renderTranscript(msgs []store.Message) string {
	var b strings.Builder
	b.WriteString(summaryInstructions)
	for _, m := range msgs {
		if m.Content != "" {
			fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			fmt.Fprintf(&b, "[%s] called %s %s\n", m.Role, tc.Name, args)
		}
		for _, tr := range m.ToolResults {
			result := tr.Result
			if len(result) > maxRenderedResult {
				result = truncateUTF8(result, maxRenderedResult) + "...(truncated)"
			}
			status := "result"
			if tr.IsError {
				status = "error"
			}
			fmt.Fprintf(&b, "[tool %s] %s %s\n", status, tr.Name, result)
		}
	}
	return b.String()
}

// NewSummaryMessage wraps summary in a user message carrying SummaryMarker.
func NewSummaryMessage(summary string) store.Message {
	return store.NewUserMessage(SummaryMarker + "\n\n" + summary)
}

// IsSummary reports whether m was produced by NewSummaryMessage.
func IsSummary(m store.Message) bool {
	return m.Role == store.RoleUser && strings.HasPrefix(m.Content, SummaryMarker)
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
