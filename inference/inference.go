// Copyright 2026 The ChatSafe Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package inference talks to the child llama.cpp server over loopback
// HTTP and turns its incremental /completion SSE stream into a channel of
// text chunks (spec.md §4.4). It never restarts a generation and never
// retries: a stream is consumed exactly once.
package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/everettbu/chatsafe/gatewayerr"
	"github.com/everettbu/chatsafe/internal"
	"github.com/everettbu/chatsafe/metrics"
	"github.com/everettbu/chatsafe/registry"
)

// Client issues generation requests to the child process over its
// loopback HTTP /completion endpoint.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	// Metrics, if set, counts malformed SSE frames as frame_parse_error
	// (spec.md §4.4). Nil is safe and simply skips the count.
	Metrics *metrics.Digest
}

// New returns a Client pointed at the child's base URL, e.g.
// "http://127.0.0.1:8090".
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTP: &http.Client{}}
}

// Event is one item of the lazy chunk sequence Generate yields. Exactly
// one of Text or Err is meaningful; Done is true on the final Event of a
// well-formed stream (Err is nil in that case).
type Event struct {
	Text string
	Err  error
	Done bool
}

type completionRequest struct {
	Prompt        string   `json:"prompt"`
	Stream        bool     `json:"stream"`
	NPredict      int      `json:"n_predict"`
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"top_p"`
	TopK          int      `json:"top_k"`
	RepeatPenalty float64  `json:"repeat_penalty"`
	Stop          []string `json:"stop,omitempty"`
}

// completionResponse intentionally only names the fields this client
// needs. It is decoded without DisallowUnknownFields so unrecognized
// fields from the child's SSE frames (spec.md §9 Open Questions: "the
// exact shape of the child's SSE frames ... is not part of this spec")
// never break decoding.
type completionResponse struct {
	Content      string `json:"content"`
	Stop         bool   `json:"stop"`
	StoppedLimit bool   `json:"stopped_limit"`
}

// Generate sends prompt to the child process and returns a channel of
// Events. The channel is closed after the terminal Event (Done or Err).
// Cancelling ctx aborts the underlying HTTP connection immediately,
// surfacing as an Event with a cancelled *gatewayerr.Error.
func (c *Client) Generate(ctx context.Context, prompt string, mc *registry.ModelConfig, params registry.GenerationParams) (<-chan Event, error) {
	body := completionRequest{
		Prompt:        prompt,
		Stream:        true,
		NPredict:      params.MaxTokens,
		Temperature:   params.Temperature,
		TopP:          params.TopP,
		TopK:          params.TopK,
		RepeatPenalty: params.RepeatPenalty,
		Stop:          mc.StopSequences,
	}
	resp, err := internal.JSONPostRequest(ctx, c.BaseURL+"/completion", body)
	if err != nil {
		return nil, classifyErr(ctx, err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, gatewayerr.Newf(gatewayerr.Unavailable, "Inference backend unavailable.").WithDetails(fmt.Sprintf("status %d", resp.StatusCode))
	}

	events := make(chan Event, 1)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		r := bufio.NewReader(resp.Body)
		for {
			line, err := r.ReadBytes('\n')
			line = bytes.TrimSpace(line)
			if err != nil {
				if len(line) == 0 {
					if !errors.Is(err, context.Canceled) {
						events <- Event{Err: classifyErr(ctx, err)}
					} else {
						events <- Event{Err: gatewayerr.New(gatewayerr.Cancelled, "Request cancelled.")}
					}
					return
				}
			}
			if len(line) == 0 {
				if ctx.Err() != nil {
					events <- Event{Err: classifyErr(ctx, ctx.Err())}
					return
				}
				continue
			}
			const prefix = "data: "
			if !bytes.HasPrefix(line, []byte(prefix)) {
				slog.Warn("inference", "message", "malformed SSE frame, missing data: prefix", "kind", gatewayerr.FrameParseError)
				c.recordFrameParseError()
				continue
			}
			var msg completionResponse
			if err := json.Unmarshal(line[len(prefix):], &msg); err != nil {
				slog.Warn("inference", "message", "failed to decode completion frame", "error", err, "kind", gatewayerr.FrameParseError)
				c.recordFrameParseError()
				continue
			}
			if msg.Content != "" {
				events <- Event{Text: msg.Content}
			}
			if msg.Stop {
				events <- Event{Done: true}
				return
			}
		}
	}()
	return events, nil
}

// Health probes the child's /health endpoint with a short bound so its
// caller (the Child Process Manager's readiness loop) never blocks
// indefinitely (spec.md §4.3, §6).
func (c *Client) Health(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.Internal, "failed to build health request", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", classifyErr(ctx, err)
	}
	defer resp.Body.Close()
	var h struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return "", gatewayerr.Wrap(gatewayerr.Unavailable, "failed to decode health response", err)
	}
	return h.Status, nil
}

// recordFrameParseError counts one malformed SSE frame (spec.md §4.4); a
// no-op when this Client isn't wired to a Digest.
func (c *Client) recordFrameParseError() {
	if c.Metrics != nil {
		c.Metrics.RecordError(gatewayerr.FrameParseError)
	}
}

func classifyErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return gatewayerr.Wrap(gatewayerr.Cancelled, "Request cancelled.", err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return gatewayerr.Wrap(gatewayerr.Timeout, "Request exceeded deadline.", err)
	case strings.Contains(err.Error(), "connection refused"), errors.Is(err, context.DeadlineExceeded):
		return gatewayerr.Wrap(gatewayerr.Unavailable, "Inference backend unavailable.", err)
	default:
		return gatewayerr.Wrap(gatewayerr.Internal, "inference request failed", err)
	}
}
