// Copyright 2026 The ChatSafe Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package inference

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/everettbu/chatsafe/gatewayerr"
	"github.com/everettbu/chatsafe/registry"
)

func testModel() *registry.ModelConfig {
	return &registry.ModelConfig{ID: "m", Family: registry.Llama3, ContextWindow: 4096, StopSequences: []string{"<|eot_id|>"}}
}

func testParams() registry.GenerationParams {
	return registry.GenerationParams{Temperature: 0.7, MaxTokens: 64, TopP: 0.9, TopK: 40, RepeatPenalty: 1.1}
}

func sseServer(t *testing.T, frames []string, malformed bool) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("ResponseWriter does not support flushing")
		}
		if malformed {
			fmt.Fprint(w, "data: {not json}\n\n")
			flusher.Flush()
		}
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			flusher.Flush()
		}
	}))
}

func TestGenerateCollectsTextAndStops(t *testing.T) {
	srv := sseServer(t, []string{
		`{"content":"Hello","stop":false}`,
		`{"content":" world","stop":false}`,
		`{"content":"","stop":true,"stopped_limit":false}`,
	}, false)
	defer srv.Close()

	c := New(srv.URL)
	events, err := c.Generate(context.Background(), "prompt", testModel(), testParams())
	if err != nil {
		t.Fatal(err)
	}
	var got string
	done := false
	for ev := range events {
		if ev.Err != nil {
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
		got += ev.Text
		if ev.Done {
			done = true
		}
	}
	if !done {
		t.Fatal("stream never reported Done")
	}
	if got != "Hello world" {
		t.Fatalf("collected text = %q, want %q", got, "Hello world")
	}
}

func TestGenerateSkipsMalformedFrames(t *testing.T) {
	srv := sseServer(t, []string{`{"content":"ok","stop":true}`}, true)
	defer srv.Close()

	c := New(srv.URL)
	events, err := c.Generate(context.Background(), "prompt", testModel(), testParams())
	if err != nil {
		t.Fatal(err)
	}
	var got string
	for ev := range events {
		if ev.Err != nil {
			t.Fatalf("malformed frame should be skipped, not surfaced: %v", ev.Err)
		}
		got += ev.Text
	}
	if got != "ok" {
		t.Fatalf("collected text = %q, want %q", got, "ok")
	}
}

func TestGenerateCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"content\":\"partial\",\"stop\":false}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := New(srv.URL)
	events, err := c.Generate(ctx, "prompt", testModel(), testParams())
	if err != nil {
		t.Fatal(err)
	}
	<-events // the partial chunk
	cancel()
	var last Event
	for ev := range events {
		last = ev
	}
	if last.Err == nil {
		t.Fatal("expected a cancelled error event")
	}
	if ge := gatewayerr.Of(last.Err); ge == nil || ge.Kind != gatewayerr.Cancelled {
		t.Fatalf("error kind = %v, want cancelled", last.Err)
	}
}

func TestHealthBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
	}))
	defer srv.Close()
	c := New(srv.URL)
	start := time.Now()
	_, err := c.Health(context.Background())
	if time.Since(start) > 3*time.Second {
		t.Fatal("Health did not bound its wait")
	}
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}
