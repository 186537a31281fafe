package compaction

import "strings"

// contextLimits maps model identifiers to their context window sizes in
// tokens. Versioned ids (e.g. "gemini-2.0-flash-001") resolve through the
// longest matching prefix.
var contextLimits = map[string]int{
	"gemini-2.5-pro":        1_048_576,
	"gemini-2.5-flash":      1_048_576,
	"gemini-2.5-flash-lite": 1_048_576,
	"gemini-2.0-flash":      1_048_576,
	"gemini-2.0-flash-lite": 1_048_576,
	"gemini-2.0-pro":        1_048_576,
	"gemini-1.5-flash":      1_048_576,
	"gemini-1.5-pro":        2_097_152,

	"claude-opus-4":     200_000,
	"claude-sonnet-4":   200_000,
	"claude-3-7-sonnet": 200_000,
	"claude-3-5-sonnet": 200_000,
	"claude-3-5-haiku":  200_000,

	"gpt-4o":      128_000,
	"gpt-4o-mini": 128_000,
	"gpt-4.1":     1_047_576,
	"gpt-4":       8_192,
	"o3":          200_000,
	"o4-mini":     200_000,
}

// DefaultContextLimit applies to models missing from the table.
const DefaultContextLimit = 128_000

// ContextLimit returns the context window of model in tokens.
func ContextLimit(model string) int {
	model = strings.TrimPrefix(model, "models/")
	if limit, ok := contextLimits[model]; ok {
		return limit
	}
	best, limit := 0, DefaultContextLimit
	for id, l := range contextLimits {
		if len(id) > best && strings.HasPrefix(model, id+"-") {
			best, limit = len(id), l
		}
	}
	return limit
}
