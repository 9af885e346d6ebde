// Package relay drives an upstream streaming call and forwards
// Server-Sent-Events to the client. Output is held back until the stream
// proves it carries real assistant content; streams that end without any
// are discarded and retried.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nulpointcorp/llm-router/internal/protocols"
)

// DefaultRetryLimit is the empty-output retry budget when neither the model
// attributes nor the environment override it. Total attempts are always
// retryLimit + 1.
const DefaultRetryLimit = 1

const upstreamTimeout = 5 * time.Minute

// ErrEmptyOutput reports that every attempt ended without assistant-visible
// content.
var ErrEmptyOutput = errors.New("relay: upstream produced empty output")

// UpstreamError is a non-2xx upstream response caught before anything was
// relayed to the client.
type UpstreamError struct {
	Status int
	Body   []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("relay: upstream returned %d: %.200s", e.Status, e.Body)
}

// Upstream describes one dispatchable streaming call.
type Upstream struct {
	URL     string
	Headers map[string]string
	Body    []byte
}

// Result summarizes a finished relay.
type Result struct {
	Usage    protocols.Usage
	Attempts int

	// Flushed reports whether any bytes reached the client.
	Flushed bool

	// Disconnected is set when the client went away mid-stream; the
	// upstream call was cancelled and the outcome is not an error.
	Disconnected bool
}

// Relay executes streaming attempts over a shared HTTP client.
type Relay struct {
	client *http.Client
	log    *slog.Logger
}

func New(client *http.Client, log *slog.Logger) *Relay {
	if client == nil {
		client = &http.Client{Timeout: upstreamTimeout}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Relay{client: client, log: log}
}

// Stream runs up to retryLimit+1 attempts against the upstream and relays
// the first non-empty stream to w. The returned Result is valid even on
// error; Usage carries whatever the last attempt reported.
func (r *Relay) Stream(ctx context.Context, up *Upstream, proto protocols.Protocol, retryLimit int, w Writer) (*Result, error) {
	if retryLimit < 0 {
		retryLimit = 0
	}
	total := retryLimit + 1
	res := &Result{}

	for attempt := 1; attempt <= total; attempt++ {
		res.Attempts = attempt
		out, err := r.attempt(ctx, up, proto, w)
		if out != nil {
			res.Usage = out.usage
			res.Flushed = res.Flushed || out.flushed
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, errClientGone) {
				res.Disconnected = true
				return res, nil
			}
			return res, err
		}
		if out.flushed {
			return res, nil
		}
		r.log.Warn("relay_empty_stream",
			"attempt", attempt,
			"total_attempts", total,
			"url", up.URL)
	}
	return res, ErrEmptyOutput
}

// errClientGone marks a Writer failure: the client hung up.
var errClientGone = errors.New("relay: client disconnected")

type attemptOutput struct {
	usage   protocols.Usage
	flushed bool
}

// attempt drives one upstream call. It returns flushed=false with a nil
// error for a clean-but-empty stream.
//
// Client disconnects surface only through Writer errors, so a client that
// goes away while frames are still being buffered is not noticed until the
// first flush; fasthttp exposes no connection-level cancellation inside a
// body stream writer. Empty-stream retries can therefore run for a client
// that is already gone.
func (r *Relay) attempt(ctx context.Context, up *Upstream, proto protocols.Protocol, w Writer) (*attemptOutput, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, up.URL, bytes.NewReader(up.Body))
	if err != nil {
		return nil, fmt.Errorf("relay: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range up.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay: upstream call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &UpstreamError{Status: resp.StatusCode, Body: body}
	}

	out := &attemptOutput{}
	var buffered [][]byte
	doneSent := false

	frames := newFrameReader(resp.Body)
	for {
		f, err := frames.next()
		if err != nil {
			if err == io.EOF {
				break
			}
			if !out.flushed {
				// Nothing reached the client yet; surface as upstream
				// failure so the caller can react.
				return out, fmt.Errorf("relay: reading stream: %w", err)
			}
			// Mid-stream breakage after content was forwarded: end the
			// response as cleanly as possible.
			r.log.Warn("relay_stream_truncated", "error", err)
			break
		}

		proto.UpdateUsage(f.ev, &out.usage)

		if f.ev.Done() {
			if out.flushed {
				if werr := w.Write(f.raw); werr != nil {
					return out, errClientGone
				}
				doneSent = true
			}
			break
		}

		if !out.flushed {
			if !proto.HasContent(f.ev) {
				buffered = append(buffered, f.raw)
				continue
			}
			// First real content: flush everything held back, then this
			// frame.
			for _, b := range buffered {
				if werr := w.Write(b); werr != nil {
					return out, errClientGone
				}
			}
			buffered = nil
			out.flushed = true
		}

		if werr := w.Write(f.raw); werr != nil {
			return out, errClientGone
		}
		if werr := w.AwaitDrain(); werr != nil {
			return out, errClientGone
		}
	}

	if out.flushed {
		if proto.ChatStyle() && !doneSent {
			if werr := w.Write([]byte("data: [DONE]\n\n")); werr != nil {
				return out, errClientGone
			}
		}
		if werr := w.AwaitDrain(); werr != nil {
			return out, errClientGone
		}
	}
	return out, nil
}
