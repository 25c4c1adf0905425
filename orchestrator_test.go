// Copyright 2026 The ChatSafe Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package chatsafe

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/everettbu/chatsafe/admission"
	"github.com/everettbu/chatsafe/chatmsg"
	"github.com/everettbu/chatsafe/gatewayerr"
	"github.com/everettbu/chatsafe/registry"
	"github.com/everettbu/chatsafe/stream"
)

func userMsg(content string) []chatmsg.Message {
	return []chatmsg.Message{{Role: chatmsg.User, Content: content}}
}

func TestCompleteRejectsEmptyMessages(t *testing.T) {
	g := newTestGateway(t, false)
	_, _, err := g.Complete(context.Background(), Request{})
	ge := gatewayerr.Of(err)
	if ge == nil || ge.Kind != gatewayerr.MissingMessages {
		t.Fatalf("err = %v, want missing_messages", err)
	}
}

func TestCompleteRejectsEmptyContent(t *testing.T) {
	g := newTestGateway(t, false)
	req := Request{Messages: []chatmsg.Message{{Role: chatmsg.User, Content: ""}}}
	_, _, err := g.Complete(context.Background(), req)
	ge := gatewayerr.Of(err)
	if ge == nil || ge.Kind != gatewayerr.InvalidRequest {
		t.Fatalf("err = %v, want invalid_request", err)
	}
}

func TestCompleteRejectsNonDefaultModel(t *testing.T) {
	g := newTestGateway(t, false)
	req := Request{Messages: userMsg("hi"), Model: "qwen2-7b-chatml"}
	_, _, err := g.Complete(context.Background(), req)
	ge := gatewayerr.Of(err)
	if ge == nil || ge.Kind != gatewayerr.ModelNotFound {
		t.Fatalf("err = %v, want model_not_found (single-model-active constraint)", err)
	}
}

func TestCompleteRejectsUnknownModel(t *testing.T) {
	g := newTestGateway(t, false)
	req := Request{Messages: userMsg("hi"), Model: "does-not-exist"}
	_, _, err := g.Complete(context.Background(), req)
	ge := gatewayerr.Of(err)
	if ge == nil || ge.Kind != gatewayerr.ModelNotFound {
		t.Fatalf("err = %v, want model_not_found", err)
	}
}

func TestCompleteRejectsInvalidParameter(t *testing.T) {
	g := newTestGateway(t, false)
	bad := 9.0
	req := Request{Messages: userMsg("hi"), Overrides: registry.Overrides{Temperature: &bad}}
	_, _, err := g.Complete(context.Background(), req)
	ge := gatewayerr.Of(err)
	if ge == nil || ge.Kind != gatewayerr.InvalidParameter {
		t.Fatalf("err = %v, want invalid_parameter", err)
	}
}

// TestCompleteRejectsWhenRateLimited exercises the admission-rejection
// exit path directly: validation must already have passed (prepare runs
// before Admit, spec.md §4.7) so no child process is ever needed here.
func TestCompleteRejectsWhenRateLimited(t *testing.T) {
	g := newTestGateway(t, false)
	// Swap in a controller with zero per-key burst so Admit rejects the
	// very first call; newTestGateway's own cleanup still closes the
	// original controller this Gateway was built with.
	g.Admission = admission.New(admission.Config{
		PerKeyCapacity:     0,
		PerKeyRefillPerSec: 1,
		GlobalCapacity:     50,
		GlobalRefillPerSec: 10,
		MaxConcurrency:     5,
		IdleEvictAfter:     time.Minute,
	})
	t.Cleanup(g.Admission.Close)

	req := Request{Messages: userMsg("hi"), SourceKey: "client-a"}
	_, _, err := g.Complete(context.Background(), req)
	ge := gatewayerr.Of(err)
	if ge == nil || ge.Kind != gatewayerr.RateLimited {
		t.Fatalf("err = %v, want rate_limited", err)
	}
}

func drainFrames(t *testing.T, ctx context.Context, frames <-chan stream.Frame) []stream.Frame {
	t.Helper()
	var got []stream.Frame
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return got
			}
			got = append(got, f)
		case <-ctx.Done():
			t.Fatal("timed out draining frames")
		}
	}
}

// TestCompleteSuccessStreamsWellFormedFrameSequence drives a full
// request against the fake llama-server child: Start, Delta*, End, and
// the concatenated deltas must equal the cleaned response text.
func TestCompleteSuccessStreamsWellFormedFrameSequence(t *testing.T) {
	g := newTestGateway(t, true)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req := Request{Messages: userMsg("hi"), SourceKey: "client-a", Stream: true}
	reqID, frames, err := g.Complete(ctx, req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reqID == "" {
		t.Fatal("expected a non-empty request id")
	}

	got := drainFrames(t, ctx, frames)
	if len(got) < 2 {
		t.Fatalf("got %d frames, want at least Start and End", len(got))
	}
	if got[0].Kind != stream.Start || got[0].Role != "assistant" {
		t.Fatalf("first frame = %+v, want Start{Role: assistant}", got[0])
	}
	last := got[len(got)-1]
	if last.Kind != stream.End {
		t.Fatalf("last frame = %+v, want End", last)
	}

	var text strings.Builder
	for _, f := range got[1 : len(got)-1] {
		if f.Kind != stream.Delta {
			t.Fatalf("frame between Start and End = %+v, want Delta", f)
		}
		text.WriteString(f.Text)
	}
	if got := text.String(); got != "Hello world" {
		t.Fatalf("assembled text = %q, want %q", got, "Hello world")
	}

	snap := g.Metrics.Snapshot()
	if snap.RequestsTotal != 1 {
		t.Fatalf("RequestsTotal = %d, want 1", snap.RequestsTotal)
	}
	if snap.FinishReasons[string(last.FinishReason)] != 1 {
		t.Fatalf("FinishReasons[%s] = %d, want 1", last.FinishReason, snap.FinishReasons[string(last.FinishReason)])
	}
}

// TestCompleteCancellationEndsStreamWithCancelled exploits the fake
// server's deliberate pause between its two content chunks to cancel
// mid-stream and assert the terminal frame still reaches the caller
// (spec.md §4.5/§5, §9 "Scoped resources").
func TestCompleteCancellationEndsStreamWithCancelled(t *testing.T) {
	g := newTestGateway(t, true)

	reqCtx, reqCancel := context.WithCancel(context.Background())
	defer reqCancel()

	req := Request{Messages: userMsg("hi"), SourceKey: "client-b", Stream: true}
	_, frames, err := g.Complete(reqCtx, req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()

	var first stream.Frame
	select {
	case f, ok := <-frames:
		if !ok {
			t.Fatal("frames closed before a first frame arrived")
		}
		first = f
	case <-drainCtx.Done():
		t.Fatal("timed out waiting for the first frame")
	}
	if first.Kind != stream.Start {
		t.Fatalf("first frame = %+v, want Start", first)
	}
	reqCancel()

	rest := drainFrames(t, drainCtx, frames)
	if len(rest) == 0 {
		t.Fatal("expected at least a terminal frame after cancellation")
	}
	last := rest[len(rest)-1]
	if last.Kind != stream.End || last.FinishReason != stream.FinishCancelled {
		t.Fatalf("last frame = %+v, want End{FinishReason: cancelled}", last)
	}
}
