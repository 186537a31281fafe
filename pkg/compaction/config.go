package compaction

import "fmt"

// Config controls when and how history is compacted.
type Config struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// TokenThreshold is the fraction of the model's context limit at which
	// compaction triggers.
	TokenThreshold float64 `yaml:"token_threshold" json:"token_threshold"`
	// MessageThreshold triggers compaction once the history reaches this many
	// messages. Zero disables it.
	MessageThreshold int `yaml:"message_threshold" json:"message_threshold"`
	// InceptionCount is the number of earliest messages kept verbatim.
	InceptionCount int `yaml:"inception_count" json:"inception_count"`
	// WorkingWindowCount is the number of most recent messages kept verbatim.
	WorkingWindowCount int `yaml:"working_window_count" json:"working_window_count"`
	SummaryMaxTokens   int `yaml:"summary_max_tokens" json:"summary_max_tokens"`
	// Model overrides the model used for summarization.
	Model            string `yaml:"model" json:"model,omitempty"`
	AutoCompact      bool   `yaml:"auto_compact" json:"auto_compact"`
	AllowSummaryEdit bool   `yaml:"allow_summary_edit" json:"allow_summary_edit"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		TokenThreshold:     0.8,
		InceptionCount:     2,
		WorkingWindowCount: 6,
		SummaryMaxTokens:   2048,
		AutoCompact:        true,
	}
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.TokenThreshold <= 0 || c.TokenThreshold > 1 {
		return fmt.Errorf("token_threshold must be in (0, 1], got %v", c.TokenThreshold)
	}
	if c.MessageThreshold < 0 {
		return fmt.Errorf("message_threshold must not be negative, got %d", c.MessageThreshold)
	}
	if c.InceptionCount < 0 || c.WorkingWindowCount < 0 {
		return fmt.Errorf("window counts must not be negative, got inception=%d working=%d", c.InceptionCount, c.WorkingWindowCount)
	}
	if c.SummaryMaxTokens <= 0 {
		return fmt.Errorf("summary_max_tokens must be positive, got %d", c.SummaryMaxTokens)
	}
	return nil
}
