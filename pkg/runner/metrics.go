package runner

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mariozechner/coding-agent/core/pkg/models"
)

type runnerMetrics struct {
	turns       *prometheus.CounterVec
	duration    prometheus.Histogram
	toolCalls   *prometheus.CounterVec
	compactions *prometheus.CounterVec
	tokens      *prometheus.CounterVec
}

func newRunnerMetrics(reg prometheus.Registerer) *runnerMetrics {
	if reg == nil {
		return nil
	}

	m := &runnerMetrics{
		turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_turns_total",
				Help: "Total number of turns by outcome",
			},
			[]string{"outcome"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agent_turn_duration_seconds",
				Help:    "Wall time of a turn from prompt to final answer",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
		),
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_tool_calls_total",
				Help: "Total number of tool calls by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		compactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_compactions_total",
				Help: "Total number of compaction passes by outcome",
			},
			[]string{"outcome"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_model_tokens_total",
				Help: "Tokens reported by the model provider",
			},
			[]string{"direction"},
		),
	}

	reg.MustRegister(m.turns, m.duration, m.toolCalls, m.compactions, m.tokens)
	return m
}

func (m *runnerMetrics) observeTurn(outcome string, d time.Duration) {
	if m != nil {
		m.turns.WithLabelValues(outcome).Inc()
		m.duration.Observe(d.Seconds())
	}
}

func (m *runnerMetrics) incTool(tool, outcome string) {
	if m != nil {
		m.toolCalls.WithLabelValues(tool, outcome).Inc()
	}
}

func (m *runnerMetrics) incCompaction(outcome string) {
	if m != nil {
		m.compactions.WithLabelValues(outcome).Inc()
	}
}

func (m *runnerMetrics) addTokens(u models.Usage) {
	if m != nil {
		m.tokens.WithLabelValues("input").Add(float64(u.InputTokens))
		m.tokens.WithLabelValues("output").Add(float64(u.OutputTokens))
	}
}
