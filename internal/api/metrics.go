package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	totalRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lantern_requests_total",
		Help: "API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	generationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lantern_generation_duration_seconds",
		Help:    "Wall time of one completion request",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	tokensGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lantern_tokens_generated_total",
		Help: "Tokens produced across all completions",
	})

	promptTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lantern_prompt_tokens_total",
		Help: "Prompt tokens consumed across all completions",
	})
)

func recordCompletion(durationSeconds float64, prompt, generated int) {
	generationDuration.Observe(durationSeconds)
	promptTokens.Add(float64(prompt))
	tokensGenerated.Add(float64(generated))
}
