// Copyright 2026 The ChatSafe Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package gatewayerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestStatus(t *testing.T) {
	data := []struct {
		k    Kind
		want int
	}{
		{InvalidRequest, 400},
		{MissingMessages, 400},
		{InvalidParameter, 400},
		{ModelNotFound, 404},
		{RateLimited, 429},
		{RuntimeNotReady, 503},
		{Timeout, 504},
		{Cancelled, 499},
		{Unavailable, 502},
		{Internal, 500},
	}
	for _, l := range data {
		if got := l.k.Status(); got != l.want {
			t.Errorf("%s.Status() = %d, want %d", l.k, got, l.want)
		}
	}
}

func TestWrapAndOf(t *testing.T) {
	cause := errors.New("connection refused")
	e := Wrap(Unavailable, "Inference backend unavailable.", cause)
	wrapped := fmt.Errorf("generate: %w", e)
	got := Of(wrapped)
	if got == nil {
		t.Fatal("expected *Error, got nil")
	}
	if got.Kind != Unavailable {
		t.Errorf("Kind = %s, want %s", got.Kind, Unavailable)
	}
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is(wrapped, cause) = false, want true")
	}
	if errors.Unwrap(e) != cause {
		t.Errorf("Unwrap() did not return the wrapped cause")
	}
}

func TestWithDetails(t *testing.T) {
	base := New(InvalidParameter, "temperature must be between 0 and 2.")
	withD := base.WithDetails("temperature")
	if base.Details != "" {
		t.Fatal("WithDetails mutated the original")
	}
	if withD.Details != "temperature" {
		t.Errorf("Details = %q, want %q", withD.Details, "temperature")
	}
}
