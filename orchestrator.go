// Copyright 2026 The ChatSafe Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package chatsafe

import (
	"context"
	"log/slog"
	"time"

	"github.com/everettbu/chatsafe/chatmsg"
	"github.com/everettbu/chatsafe/gatewayerr"
	"github.com/everettbu/chatsafe/internal"
	"github.com/everettbu/chatsafe/registry"
	"github.com/everettbu/chatsafe/stream"
	"github.com/everettbu/chatsafe/template"
)

// Request is the validated input to one completion call (spec.md §4.7,
// §6 request body).
type Request struct {
	Messages  []chatmsg.Message
	Model     string
	Stream    bool
	Overrides registry.Overrides
	// SourceKey is the Admission Controller bucket key, typically the
	// caller's remote address.
	SourceKey string
}

// Complete is the Request Orchestrator's entry point: validate against
// registry bounds and render the prompt, acquire admission, mint a
// request id, and invoke the Inference Client — in that order, so that no
// child-side work or admission-slot cost is spent on a request that was
// always going to fail validation (spec.md §7 "Policy"). Everything past
// that point (the Stream Pipeline, terminal metrics, admission release)
// runs on a background goroutine driving the returned channel; the caller
// must drain frames to its terminal frame exactly once.
//
// On success it returns the request id and a channel of frames
// (Start, Delta*, End|Error) per spec.md §3. On failure it returns a
// *gatewayerr.Error and no channel; the admission guard, if any was
// acquired, has already been released.
func (g *Gateway) Complete(ctx context.Context, req Request) (requestID string, frames <-chan stream.Frame, err error) {
	mc, params, prompt, err := g.prepare(req)
	if err != nil {
		return "", nil, err
	}

	guard, err := g.Admission.Admit(req.SourceKey)
	if err != nil {
		g.Metrics.RecordError(gatewayerr.RateLimited)
		return "", nil, err
	}
	defer func() {
		if err != nil {
			guard.Release()
		}
	}()

	requestID = internal.NewRequestID()
	g.Metrics.RecordRequest()

	if err = g.Child.EnsureStarted(ctx, mc); err != nil {
		g.Metrics.RecordError(kindOf(err))
		return "", nil, err
	}
	events, err := g.Child.Client().Generate(ctx, prompt, mc, params)
	if err != nil {
		g.Metrics.RecordError(kindOf(err))
		return "", nil, err
	}

	start := time.Now()
	pipeline := stream.Run(ctx, events, mc, stream.Options{Capacity: g.Config.channelCapacity(), Streaming: req.Stream})
	out := make(chan stream.Frame, g.Config.channelCapacity())
	go g.drive(ctx, requestID, guard.Release, start, pipeline, out)
	return requestID, out, nil
}

// prepare validates req against the registry and renders its prompt.
// Everything here can fail before any admission slot or child-side work
// is spent.
func (g *Gateway) prepare(req Request) (*registry.ModelConfig, registry.GenerationParams, string, error) {
	if len(req.Messages) == 0 {
		return nil, registry.GenerationParams{}, "", gatewayerr.New(gatewayerr.MissingMessages, "Messages array cannot be empty.")
	}
	for _, m := range req.Messages {
		if m.Content == "" {
			return nil, registry.GenerationParams{}, "", gatewayerr.New(gatewayerr.InvalidRequest, "message content must not be empty")
		}
	}

	mc := g.Active
	if req.Model != "" {
		var err error
		if mc, err = g.Registry.Lookup(req.Model); err != nil {
			return nil, registry.GenerationParams{}, "", err
		}
		if mc.ID != g.Active.ID {
			// Only the active model is ever brought up (single-model-
			// active constraint, spec.md §9 Open Questions); any other
			// catalog entry is, from a caller's perspective, as good as
			// not found.
			return nil, registry.GenerationParams{}, "", gatewayerr.Newf(gatewayerr.ModelNotFound, "Model not found: %s.", req.Model)
		}
	}

	params, err := g.Registry.ApplyOverrides(mc.ID, req.Overrides)
	if err != nil {
		return nil, registry.GenerationParams{}, "", err
	}
	prompt, err := template.Render(req.Messages, mc)
	if err != nil {
		return nil, registry.GenerationParams{}, "", err
	}
	return mc, params, prompt, nil
}

// drive owns the request's background goroutine end to end: it forwards
// every frame from the Stream Pipeline, records terminal metrics, and
// guarantees the admission guard is released exactly once on every exit
// path, including a panic recovered at this boundary (spec.md §4.7, §7
// "Policy", §9 "Scoped resources").
//
// It relies on the Stream Pipeline to close in promptly on its own once
// ctx is cancelled (spec.md §4.5) rather than racing that cancellation
// itself, so a request's terminal frame — and its finish-reason metric —
// is never dropped merely because the caller's context and the
// pipeline's last frame land in the same instant. The only place ctx is
// consulted here is the send to out, so a caller that has stopped
// reading entirely can't wedge this goroutine forever.
func (g *Gateway) drive(ctx context.Context, requestID string, release func(), start time.Time, in <-chan stream.Frame, out chan<- stream.Frame) {
	defer release()
	defer close(out)
	defer func() {
		if r := recover(); r != nil {
			slog.Default().Error("orchestrator", "request_id", requestID, "message", "panic recovered", "panic", r)
			g.Metrics.RecordError(gatewayerr.Internal)
		}
	}()

	for f := range in {
		if f.Kind == stream.End {
			g.Metrics.RecordFinish(string(f.FinishReason))
			g.Metrics.ObserveLatency(time.Since(start))
		}
		// Try out first: once ctx is done a two-way select would pick
		// at random and could drop a frame out still has room for.
		select {
		case out <- f:
			continue
		default:
		}
		select {
		case out <- f:
		case <-ctx.Done():
			return
		}
	}
}

func kindOf(err error) gatewayerr.Kind {
	if ge := gatewayerr.Of(err); ge != nil {
		return ge.Kind
	}
	return gatewayerr.Internal
}
