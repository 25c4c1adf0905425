// Copyright 2026 The ChatSafe Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package gatewayerr implements the error taxonomy ChatSafe's HTTP surface
// maps to status codes and metric dimensions. Every layer of the gateway
// returns or wraps one of these instead of an ad-hoc error, so the
// Orchestrator never has to guess what status a failure deserves.
package gatewayerr

import "fmt"

// Kind is one dimension of the error taxonomy in spec.md §7. Each kind maps
// to exactly one HTTP status.
type Kind string

const (
	InvalidRequest   Kind = "invalid_request"
	MissingMessages  Kind = "missing_messages"
	InvalidParameter Kind = "invalid_parameter"
	ModelNotFound    Kind = "model_not_found"
	RateLimited      Kind = "rate_limited"
	RuntimeNotReady  Kind = "runtime_not_ready"
	Timeout          Kind = "timeout"
	Cancelled        Kind = "cancelled"
	Unavailable      Kind = "unavailable"
	Internal         Kind = "internal"
	ConfigError      Kind = "config_error"
	FrameParseError  Kind = "frame_parse_error"
)

// Status returns the HTTP status code this kind maps to, per spec.md §7.
func (k Kind) Status() int {
	switch k {
	case InvalidRequest, MissingMessages, InvalidParameter:
		return 400
	case ModelNotFound:
		return 404
	case RateLimited:
		return 429
	case RuntimeNotReady:
		return 503
	case Timeout:
		return 504
	case Cancelled:
		return 499
	case Unavailable:
		return 502
	default:
		return 500
	}
}

// Error is the wire-safe error carried across every ChatSafe layer. It
// never holds message content, file paths outside the model directory, or
// a stack trace — only what's safe to put on the wire (spec.md §7 privacy
// constraint).
type Error struct {
	Kind    Kind
	Msg     string
	Details string
	err     error
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Msg, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.err }

// New creates an *Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an *Error with a formatted message.
func Newf(kind Kind, format string, a ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, a...)}
}

// Wrap wraps cause in an *Error of the given kind. cause's message is never
// surfaced on the wire directly; callers set Msg/Details to what's safe to
// expose.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, err: cause}
}

// WithDetails returns a copy of e with Details set, for field-level errors
// like invalid_parameter.
func (e *Error) WithDetails(details string) *Error {
	c := *e
	c.Details = details
	return &c
}

// Of returns the *Error wrapped anywhere in err's chain, or nil.
func Of(err error) *Error {
	for err != nil {
		if g, ok := err.(*Error); ok {
			return g
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return nil
}
