package compaction

import (
	"encoding/json"
	"math"
	"sync"

	"github.com/mariozechner/coding-agent/core/pkg/store"
)

// Estimator approximates token counts.
type Estimator interface {
	EstimateText(text string) int
	EstimateMessages(msgs []store.Message) int
}

const defaultCharsPerToken = 4.0

// CharEstimator estimates tokens from character counts. The ratio starts at
// four characters per token and can be calibrated from provider usage.
type CharEstimator struct {
	mu            sync.Mutex
	charsPerToken float64
}

// NewCharEstimator returns an uncalibrated estimator.
func NewCharEstimator() *CharEstimator {
	return &CharEstimator{charsPerToken: defaultCharsPerToken}
}

func (e *CharEstimator) ratio() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.charsPerToken <= 0 {
		return defaultCharsPerToken
	}
	return e.charsPerToken
}

// EstimateText rounds up, so any non-empty text costs at least one token.
func (e *CharEstimator) EstimateText(text string) int {
	return tokensFor(len(text), e.ratio())
}

func (e *CharEstimator) EstimateMessages(msgs []store.Message) int {
	return tokensFor(messageChars(msgs), e.ratio())
}

// RecordUsage adjusts the ratio from the provider-reported input token count
// for msgs. The ratio is clamped to a plausible range.
func (e *CharEstimator) RecordUsage(msgs []store.Message, inputTokens int) {
	if inputTokens <= 0 {
		return
	}
	chars := messageChars(msgs)
	if chars == 0 {
		return
	}
	r := float64(chars) / float64(inputTokens)
	r = math.Max(1.5, math.Min(8, r))

	e.mu.Lock()
	defer e.mu.Unlock()
	e.charsPerToken = r
}

func tokensFor(chars int, ratio float64) int {
	if chars == 0 {
		return 0
	}
	return int(math.Ceil(float64(chars) / ratio))
}

func messageChars(msgs []store.Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)
		for _, tc := range m.ToolCalls {
			total += len(tc.Name)
			if len(tc.Arguments) > 0 {
				if b, err := json.Marshal(tc.Arguments); err == nil {
					total += len(b)
				}
			}
		}
		for _, tr := range m.ToolResults {
			total += len(tr.Name) + len(tr.Result)
		}
	}
	return total
}
