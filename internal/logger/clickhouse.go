package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const insertTimeout = 10 * time.Second

// ClickHouseSink batches entries into the request_logs and
// expert_routing_logs tables over the native protocol.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink opens a native connection and verifies it with a ping.
func NewClickHouseSink(ctx context.Context, addr, database, username, password string) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("logger: clickhouse ping: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) WriteRequests(ctx context.Context, entries []RequestLog) error {
	ctx, cancel := context.WithTimeout(ctx, insertTimeout)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO request_logs
		(request_id, virtual_key_id, provider, model, protocol, streaming,
		 attempts, input_tokens, output_tokens, latency_ms, status, cached, created_at)`)
	if err != nil {
		return fmt.Errorf("logger: prepare request batch: %w", err)
	}
	for _, e := range entries {
		if err := batch.Append(
			e.RequestID, e.VirtualKeyID, e.Provider, e.Model, e.Protocol,
			e.Streaming, e.Attempts, e.InputTokens, e.OutputTokens,
			e.LatencyMs, e.Status, e.Cached, e.CreatedAt,
		); err != nil {
			return fmt.Errorf("logger: append request log: %w", err)
		}
	}
	return batch.Send()
}

func (s *ClickHouseSink) WriteRoutes(ctx context.Context, entries []ExpertRoutingLog) error {
	ctx, cancel := context.WithTimeout(ctx, insertTimeout)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO expert_routing_logs
		(request_id, virtual_key_id, expert_routing_id, request_hash,
		 classifier_model, classification_result, selected_expert_id,
		 selected_category, selected_type, classification_time_ms,
		 route_source, prompt_tokens, cleaned_content_length, semantic_score,
		 created_at)`)
	if err != nil {
		return fmt.Errorf("logger: prepare route batch: %w", err)
	}
	for _, e := range entries {
		if err := batch.Append(
			e.RequestID, e.VirtualKeyID, e.ExpertRoutingID, e.RequestHash,
			e.ClassifierModel, e.ClassificationResult, e.SelectedExpertID,
			e.SelectedCategory, e.SelectedType, e.ClassificationTimeMs,
			e.RouteSource, e.PromptTokens, e.CleanedContentLen, e.SemanticScore,
			e.CreatedAt,
		); err != nil {
			return fmt.Errorf("logger: append route log: %w", err)
		}
	}
	return batch.Send()
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
