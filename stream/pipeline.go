// Copyright 2026 The ChatSafe Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package stream turns the Inference Client's chunk sequence into a
// bounded sequence of cleaned StreamFrames, performing incremental
// cleaning and stop-sequence detection across chunk boundaries without
// ever emitting a partial marker and retracting it (spec.md §4.5).
package stream

import (
	"context"
	"strings"

	"github.com/everettbu/chatsafe/gatewayerr"
	"github.com/everettbu/chatsafe/inference"
	"github.com/everettbu/chatsafe/registry"
	"github.com/everettbu/chatsafe/template"
)

// FinishReason is the terminal cause of a generation stream.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishCancelled FinishReason = "cancelled"
	FinishError     FinishReason = "error"
)

// Kind distinguishes the StreamFrame variants of spec.md §3.
type Kind int

const (
	Start Kind = iota
	Delta
	End
	ErrorFrame
)

// Frame is the sum type spec.md §3 calls StreamFrame. A well-formed
// stream is Start, Delta*, (End | ErrorFrame).
type Frame struct {
	Kind         Kind
	Role         string            // set on Start
	Text         string            // set on Delta
	FinishReason FinishReason      // set on End
	Err          *gatewayerr.Error // set on ErrorFrame
}

// Options configures a pipeline run.
type Options struct {
	// Capacity of the output channel; the sender blocks when it is full,
	// which is the pipeline's backpressure guarantee (spec.md §4.5).
	Capacity int
	// Streaming selects whether Delta frames are emitted as they become
	// available (true) or buffered and released only at End (false, the
	// "non-streaming mode" of spec.md §4.5).
	Streaming bool
}

// DefaultCapacity is the bounded channel size spec.md §4.5 names as an
// example value.
const DefaultCapacity = 32

// Run consumes events and returns a channel of cleaned Frames. The
// channel is closed after the terminal frame. Cancelling ctx stops
// consuming upstream and emits End{finish_reason=cancelled} with nothing
// further flushed, per spec.md §4.5/§5.
func Run(ctx context.Context, events <-chan inference.Event, mc *registry.ModelConfig, opts Options) <-chan Frame {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	out := make(chan Frame, opts.Capacity)
	go runPipeline(ctx, events, mc, opts, out)
	return out
}

func runPipeline(ctx context.Context, events <-chan inference.Event, mc *registry.ModelConfig, opts Options, out chan<- Frame) {
	defer close(out)
	if !send(ctx, out, Frame{Kind: Start, Role: "assistant"}) {
		return
	}

	holdback := haltMarkers(mc)
	var acc strings.Builder
	emittedClean := 0

	// emitDelta advances the incremental cursor during streaming mode. In
	// non-streaming mode it is a no-op: nothing is released until
	// flushRemaining runs at the terminal frame, so the whole response
	// goes out as a single Delta (spec.md §4.5).
	emitDelta := func(cleanedPrefix string) bool {
		if !opts.Streaming {
			return true
		}
		if len(cleanedPrefix) <= emittedClean {
			return true
		}
		delta := cleanedPrefix[emittedClean:]
		emittedClean = len(cleanedPrefix)
		if delta == "" {
			return true
		}
		return send(ctx, out, Frame{Kind: Delta, Text: delta})
	}

	// flushRemaining sends whatever of cleaned hasn't been emitted yet.
	// Called at every terminal frame so trailing held-back content (or,
	// in non-streaming mode, the entire response) is never lost.
	flushRemaining := func(cleaned string) bool {
		if len(cleaned) <= emittedClean {
			return true
		}
		rest := cleaned[emittedClean:]
		emittedClean = len(cleaned)
		if rest == "" {
			return true
		}
		return send(ctx, out, Frame{Kind: Delta, Text: rest})
	}

	finish := func(reason FinishReason) {
		flushRemaining(template.Clean(mc, acc.String()))
		send(ctx, out, Frame{Kind: End, FinishReason: reason})
	}

	// cancelled emits the cancellation End without blocking: ctx is
	// already done, so send would drop the frame at random.
	cancelled := func() {
		select {
		case out <- Frame{Kind: End, FinishReason: FinishCancelled}:
		default:
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Nothing further is flushed on cancellation (spec.md §4.5).
			cancelled()
			return
		case ev, ok := <-events:
			if !ok {
				finish(FinishLength)
				return
			}
			if ev.Err != nil {
				ge := gatewayerr.Of(ev.Err)
				if ge != nil && ge.Kind == gatewayerr.Cancelled {
					cancelled()
					return
				}
				// Flush cleaned content accumulated so far, then the error.
				flushRemaining(template.Clean(mc, acc.String()))
				send(ctx, out, Frame{Kind: End, FinishReason: FinishError})
				errKind := gatewayerr.Internal
				if ge != nil {
					errKind = ge.Kind
				}
				send(ctx, out, Frame{Kind: ErrorFrame, Err: gatewayerr.New(errKind, ev.Err.Error())})
				return
			}

			acc.WriteString(ev.Text)
			full := acc.String()

			if idx, terminal := findTerminalMatch(full, mc); terminal {
				cleaned := template.Clean(mc, full[:idx])
				if !flushRemaining(cleaned) {
					cancelled()
					return
				}
				send(ctx, out, Frame{Kind: End, FinishReason: FinishStop})
				return
			}

			if ev.Done {
				finish(FinishLength)
				return
			}

			frontier := emissionFrontier(full, holdback)
			cleaned := template.Clean(mc, full[:frontier])
			if !emitDelta(cleaned) {
				cancelled()
				return
			}
		}
	}
}

func send(ctx context.Context, out chan<- Frame, f Frame) bool {
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// haltMarkers returns every literal sequence whose partial occurrence at
// the tail of the accumulator must be held back: configured stop
// sequences, the model's template control markers, and the role-leakage
// labels.
func haltMarkers(mc *registry.ModelConfig) []string {
	out := append([]string{}, mc.StopSequences...)
	out = append(out, template.ControlMarkers(mc.Family)...)
	out = append(out, template.RoleLabels...)
	return out
}

// partialMatchLen returns the length of the longest suffix of full that
// is also a proper prefix of some marker — i.e. the longest run at the
// tail that could still grow into a complete marker on the next chunk.
func partialMatchLen(full string, markers []string) int {
	best := 0
	for _, m := range markers {
		limit := len(m) - 1
		if limit > len(full) {
			limit = len(full)
		}
		for l := limit; l > best; l-- {
			if strings.HasSuffix(full, m[:l]) {
				best = l
				break
			}
		}
	}
	return best
}

// emissionFrontier returns the position in full after which a trailing
// partial match of any held-back marker could still be completed by a
// future chunk (spec.md §4.5).
func emissionFrontier(full string, holdback []string) int {
	frontier := len(full) - partialMatchLen(full, holdback)
	if frontier < 0 {
		frontier = 0
	}
	if frontier > len(full) {
		frontier = len(full)
	}

	// A role-leak label can only be confirmed or ruled out once its line
	// is complete (a trailing newline appears); until then, an
	// in-progress last line that could still become a label must be held
	// back in full even if that reaches further back than the marker
	// holdback above.
	lineStart := strings.LastIndexByte(full, '\n') + 1
	tail := full[lineStart:]
	if tail != "" && isAmbiguousLabelPrefix(tail) && lineStart < frontier {
		frontier = lineStart
	}
	return frontier
}

func isAmbiguousLabelPrefix(tail string) bool {
	for _, label := range template.RoleLabels {
		if strings.HasPrefix(label, tail) || strings.HasPrefix(tail, label) {
			return true
		}
	}
	return false
}

// findTerminalMatch scans full for the earliest configured stop sequence
// or completed role-leakage line. It returns the index to truncate at.
func findTerminalMatch(full string, mc *registry.ModelConfig) (int, bool) {
	idx := -1
	for _, stop := range mc.StopSequences {
		if stop == "" {
			continue
		}
		if i := strings.Index(full, stop); i != -1 && (idx == -1 || i < idx) {
			idx = i
		}
	}
	// Only newline-terminated lines are "fully seen"; the trailing
	// partial line is handled by emissionFrontier instead.
	lineStart := 0
	for i := 0; i < len(full); i++ {
		if full[i] != '\n' {
			continue
		}
		line := full[lineStart:i]
		for _, label := range template.RoleLabels {
			if strings.HasPrefix(line, label) {
				if idx == -1 || lineStart < idx {
					idx = lineStart
				}
			}
		}
		lineStart = i + 1
	}
	if idx < 0 {
		return 0, false
	}
	return idx, true
}
