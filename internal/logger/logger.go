// Package logger implements a non-blocking, batched audit logger.
//
// Entries are written to internal buffered channels and flushed in batches
// by a background goroutine — so logging never blocks the proxy hot path.
// If a channel fills up (> 10 000 entries), new entries are dropped and
// counted in DroppedLogs. Batches go to a Sink: ClickHouse when configured,
// structured stdout logging otherwise.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/llm-router/internal/expert"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLog is one completed proxy request.
type RequestLog struct {
	RequestID    string
	VirtualKeyID string
	Provider     string
	Model        string
	Protocol     string
	Streaming    bool
	Attempts     uint8
	InputTokens  uint32
	OutputTokens uint32
	LatencyMs    uint32
	Status       uint16
	Cached       bool
	CreatedAt    time.Time
}

// ExpertRoutingLog is the persisted projection of one expert routing
// decision.
type ExpertRoutingLog struct {
	RequestID            string
	VirtualKeyID         string
	ExpertRoutingID      string
	RequestHash          string
	ClassifierModel      string
	ClassificationResult string
	SelectedExpertID     string
	SelectedCategory     string
	SelectedType         string
	ClassificationTimeMs uint32
	RouteSource          string
	PromptTokens         uint32
	CleanedContentLen    uint32
	SemanticScore        *float64
	CreatedAt            time.Time
}

// Sink receives flushed batches. Write errors are logged and the batch is
// dropped; the logger never retries.
type Sink interface {
	WriteRequests(ctx context.Context, batch []RequestLog) error
	WriteRoutes(ctx context.Context, batch []ExpertRoutingLog) error
}

type Logger struct {
	reqCh     chan RequestLog
	routeCh   chan ExpertRoutingLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	sink    Sink
	baseCtx context.Context
	log     *slog.Logger
}

// New builds a Logger flushing to sink. A nil sink falls back to structured
// stdout logging.
func New(ctx context.Context, sink Sink, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if sink == nil {
		sink = &SlogSink{Log: slogger}
	}

	l := &Logger{
		reqCh:   make(chan RequestLog, channelBuffer),
		routeCh: make(chan ExpertRoutingLog, channelBuffer),
		done:    make(chan struct{}),
		sink:    sink,
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// LogRequest enqueues a request entry; full channel drops it.
func (l *Logger) LogRequest(entry RequestLog) {
	select {
	case l.reqCh <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

// LogRoute implements expert.AuditSink.
func (l *Logger) LogRoute(_ context.Context, e *expert.RouteAudit) {
	entry := ExpertRoutingLog{
		RequestID:            e.RequestID,
		VirtualKeyID:         e.VirtualKeyID,
		ExpertRoutingID:      e.ExpertRoutingID,
		RequestHash:          e.RequestHash,
		ClassifierModel:      e.ClassifierModel,
		ClassificationResult: e.ClassificationResult,
		SelectedExpertID:     e.SelectedExpertID,
		SelectedCategory:     e.SelectedCategory,
		SelectedType:         e.SelectedType,
		ClassificationTimeMs: uint32(e.ClassificationTimeMS),
		RouteSource:          e.RouteSource,
		PromptTokens:         uint32(e.PromptTokens),
		CleanedContentLen:    uint32(e.CleanedContentLength),
		SemanticScore:        e.SemanticScore,
		CreatedAt:            time.Now().UTC(),
	}
	select {
	case l.routeCh <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	reqBatch := make([]RequestLog, 0, batchSize)
	routeBatch := make([]ExpertRoutingLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(reqBatch) > 0 {
			if err := l.sink.WriteRequests(ctx, reqBatch); err != nil {
				l.log.WarnContext(ctx, "request_log_flush_failed",
					slog.Int("batch", len(reqBatch)),
					slog.String("error", err.Error()))
			}
			reqBatch = reqBatch[:0]
		}
		if len(routeBatch) > 0 {
			if err := l.sink.WriteRoutes(ctx, routeBatch); err != nil {
				l.log.WarnContext(ctx, "route_log_flush_failed",
					slog.Int("batch", len(routeBatch)),
					slog.String("error", err.Error()))
			}
			routeBatch = routeBatch[:0]
		}
	}

	for {
		select {
		case entry := <-l.reqCh:
			if entry.CreatedAt.IsZero() {
				entry.CreatedAt = time.Now().UTC()
			}
			reqBatch = append(reqBatch, entry)
			if len(reqBatch) >= batchSize {
				flush(l.baseCtx)
			}

		case entry := <-l.routeCh:
			routeBatch = append(routeBatch, entry)
			if len(routeBatch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.reqCh:
					reqBatch = append(reqBatch, entry)
				case entry := <-l.routeCh:
					routeBatch = append(routeBatch, entry)
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}
