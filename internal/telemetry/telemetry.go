// Package telemetry exposes the process-wide Prometheus collectors for
// the indexing and retrieval pipelines.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChunksProduced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carevault_chunks_produced_total",
		Help: "Chunks produced by the splitter across all content types.",
	})
	EmbeddingsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carevault_embeddings_written_total",
		Help: "Embedding rows persisted to the vector store.",
	})
	IndexFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carevault_index_failures_total",
		Help: "Indexing runs that ended in a failed status.",
	}, []string{"reason"})
	SearchesServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carevault_searches_total",
		Help: "Semantic search requests served, including empty results.",
	})
	ToolTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carevault_agent_tool_turns_total",
		Help: "Tool invocations executed by the chat orchestrator.",
	}, []string{"tool"})
)
