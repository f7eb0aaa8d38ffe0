package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pathSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zorxido_chat_path_selections_total",
		Help: "Responses routed to each strategy path.",
	}, []string{"path"})

	ladderDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "zorxido_chat_retrieval_ladder_depth",
		Help:    "Fallback rung (1-based) at which retrieval produced results; 0 means empty.",
		Buckets: []float64{0, 1, 2, 3, 4, 5},
	})

	retrievalSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "zorxido_chat_retrieval_seconds",
		Help:    "Hybrid retrieval latency.",
		Buckets: prometheus.DefBuckets,
	})

	generationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "zorxido_chat_generation_seconds",
		Help:    "Generation call latency.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	})

	streamTerminations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zorxido_chat_stream_terminations_total",
		Help: "How chat streams ended.",
	}, []string{"outcome"})
)
