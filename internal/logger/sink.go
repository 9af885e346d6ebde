package logger

import (
	"context"
	"log/slog"
)

// SlogSink writes batches as structured log lines. It is the fallback when
// no ClickHouse endpoint is configured.
type SlogSink struct {
	Log *slog.Logger
}

func (s *SlogSink) WriteRequests(ctx context.Context, batch []RequestLog) error {
	for _, e := range batch {
		s.Log.InfoContext(ctx, "request",
			slog.String("request_id", e.RequestID),
			slog.String("virtual_key_id", e.VirtualKeyID),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.String("protocol", e.Protocol),
			slog.Bool("stream", e.Streaming),
			slog.Uint64("attempts", uint64(e.Attempts)),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Bool("cached", e.Cached),
			slog.Time("created_at", e.CreatedAt),
		)
	}
	return nil
}

func (s *SlogSink) WriteRoutes(ctx context.Context, batch []ExpertRoutingLog) error {
	for _, e := range batch {
		attrs := []any{
			slog.String("request_id", e.RequestID),
			slog.String("expert_routing_id", e.ExpertRoutingID),
			slog.String("request_hash", e.RequestHash),
			slog.String("classifier_model", e.ClassifierModel),
			slog.String("classification_result", e.ClassificationResult),
			slog.String("selected_expert_id", e.SelectedExpertID),
			slog.String("selected_category", e.SelectedCategory),
			slog.String("route_source", e.RouteSource),
			slog.Uint64("classification_time_ms", uint64(e.ClassificationTimeMs)),
			slog.Uint64("prompt_tokens", uint64(e.PromptTokens)),
			slog.Uint64("cleaned_content_length", uint64(e.CleanedContentLen)),
		}
		if e.SemanticScore != nil {
			attrs = append(attrs, slog.Float64("semantic_score", *e.SemanticScore))
		}
		s.Log.InfoContext(ctx, "expert_route", attrs...)
	}
	return nil
}
