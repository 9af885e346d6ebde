// Command providers runs in-process stand-ins for the upstream LLM provider
// APIs, so the gateway can be exercised end to end without real credentials.
//
// One listener per provider protocol:
//
//	openai     :19001  (chat completions, legacy completions, embeddings)
//	anthropic  :19002  (messages)
//	gemini     :19003  (generateContent, streamGenerateContent, embeddings)
//
// Ports override via PORT_OPENAI / PORT_ANTHROPIC / PORT_GEMINI.
//
// Fault injection (env):
//
//	MOCK_LATENCY_MS   — fixed delay before every response (default 0)
//	MOCK_ERROR_RATE   — fraction [0,1] of requests answered with HTTP 500
//	MOCK_EMPTY_RATE   — fraction [0,1] of streams that finish without any
//	                    content deltas, to trip the gateway's empty-output retry
//	MOCK_STREAM_WORDS — word count of streamed completions (default 10)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// Config is the fault-injection knobs shared by all three mock servers.
type Config struct {
	LatencyMS   int
	ErrorRate   float64
	EmptyRate   float64
	StreamWords int
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envRate(key string) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			return f
		}
	}
	return 0
}

func loadConfig() Config {
	return Config{
		LatencyMS:   envInt("MOCK_LATENCY_MS", 0),
		ErrorRate:   envRate("MOCK_ERROR_RATE"),
		EmptyRate:   envRate("MOCK_EMPTY_RATE"),
		StreamWords: envInt("MOCK_STREAM_WORDS", 10),
	}
}

type mockServer struct {
	name string
	srv  *http.Server
}

func newMockServer(name string, port int, h http.Handler) mockServer {
	addr := ":" + strconv.Itoa(envInt("PORT_"+name, port))
	return mockServer{
		name: name,
		srv: &http.Server{
			Addr:         addr,
			Handler:      h,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock providers",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Float64("empty_rate", cfg.EmptyRate),
		slog.Int("stream_words", cfg.StreamWords),
	)

	servers := []mockServer{
		newMockServer("OPENAI", 19001, newOpenAIHandler(cfg)),
		newMockServer("ANTHROPIC", 19002, newAnthropicHandler(cfg)),
		newMockServer("GEMINI", 19003, newGeminiHandler(cfg)),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, ms := range servers {
		g.Go(func() error {
			log.Info("mock provider listening", slog.String("provider", ms.name), slog.String("addr", ms.srv.Addr))
			if err := ms.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s: %w", ms.name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down mock providers")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, ms := range servers {
			_ = ms.srv.Shutdown(sctx)
		}
		return nil
	})

	// Readiness marker for test harnesses that scrape stdout.
	fmt.Println("READY")

	if err := g.Wait(); err != nil {
		log.Error("mock provider failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("mock providers stopped")
}
