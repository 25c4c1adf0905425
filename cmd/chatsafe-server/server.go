// Copyright 2026 The ChatSafe Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/everettbu/chatsafe"
	"github.com/everettbu/chatsafe/chatmsg"
	"github.com/everettbu/chatsafe/childproc"
	"github.com/everettbu/chatsafe/gatewayerr"
	"github.com/everettbu/chatsafe/internal"
	"github.com/everettbu/chatsafe/registry"
	"github.com/everettbu/chatsafe/stream"
)

// server adapts a *chatsafe.Gateway to the HTTP surface of spec.md §6. It
// holds no state of its own beyond the Gateway reference.
type server struct {
	gw *chatsafe.Gateway
}

func newServer(gw *chatsafe.Gateway) *server {
	return &server{gw: gw}
}

func (s *server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /models", s.handleModels)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /version", s.handleVersion)
	return mux
}

type chatMessageWire struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Messages      []chatMessageWire `json:"messages"`
	Model         string            `json:"model,omitempty"`
	Stream        *bool             `json:"stream,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	MaxTokens     *int              `json:"max_tokens,omitempty"`
	TopP          *float64          `json:"top_p,omitempty"`
	TopK          *int              `json:"top_k,omitempty"`
	RepeatPenalty *float64          `json:"repeat_penalty,omitempty"`
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Details string `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// handleChatCompletions is the sole POST endpoint; every other handler is
// a read-only GET (spec.md §6).
func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var body chatCompletionRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		s.writeError(w, "", gatewayerr.Wrap(gatewayerr.InvalidRequest, "malformed JSON body", err))
		return
	}

	msgs := make([]chatmsg.Message, len(body.Messages))
	for i, m := range body.Messages {
		msgs[i] = chatmsg.Message{Role: chatmsg.Role(m.Role), Content: m.Content}
	}
	streaming := true
	if body.Stream != nil {
		streaming = *body.Stream
	}

	req := chatsafe.Request{
		Messages: msgs,
		Model:    body.Model,
		Stream:   streaming,
		Overrides: registry.Overrides{
			Temperature:   body.Temperature,
			MaxTokens:     body.MaxTokens,
			TopP:          body.TopP,
			TopK:          body.TopK,
			RepeatPenalty: body.RepeatPenalty,
		},
		SourceKey: sourceKey(r),
	}

	reqID, frames, err := s.gw.Complete(r.Context(), req)
	if err != nil {
		s.writeError(w, reqID, err)
		return
	}
	w.Header().Set("X-Request-Id", reqID)
	if streaming {
		s.streamSSE(w, reqID, frames)
		return
	}
	s.collectJSON(w, reqID, frames)
}

// sourceKey is the Admission Controller's bucket key: the caller's
// address without its ephemeral port (spec.md §4.6, §1 Non-goals — no
// API keys, so the remote address is the only identity available).
func sourceKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type sseDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type sseChoice struct {
	Index        int       `json:"index"`
	Delta        *sseDelta `json:"delta"`
	FinishReason string    `json:"finish_reason,omitempty"`
}

type sseChunk struct {
	ID      string      `json:"id"`
	Choices []sseChoice `json:"choices"`
}

// streamSSE renders the pipeline's frame sequence as the wire format of
// spec.md §6: a Start/Delta/End chunk sequence terminated by
// "data: [DONE]", or — on a mid-stream error — a single error frame with
// no trailing [DONE] (spec.md §7 "Policy").
func (s *server) streamSSE(w http.ResponseWriter, reqID string, frames <-chan stream.Frame) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)

	for f := range frames {
		switch f.Kind {
		case stream.Start:
			writeSSE(w, sseChunk{ID: reqID, Choices: []sseChoice{{Delta: &sseDelta{Role: f.Role}}}})
		case stream.Delta:
			writeSSE(w, sseChunk{ID: reqID, Choices: []sseChoice{{Delta: &sseDelta{Content: f.Text}}}})
		case stream.End:
			if f.FinishReason == stream.FinishError {
				// The pipeline always follows an error End with an
				// ErrorFrame; render that one instead (spec.md §6).
				continue
			}
			writeSSE(w, sseChunk{ID: reqID, Choices: []sseChoice{{Delta: &sseDelta{}, FinishReason: string(f.FinishReason)}}})
			writeRaw(w, "data: [DONE]\n\n")
		case stream.ErrorFrame:
			writeSSE(w, errorEnvelope{Error: errorBody{Message: f.Err.Msg, Type: string(f.Err.Kind), Details: f.Err.Details}})
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	writeRaw(w, "data: "+string(b)+"\n\n")
}

func writeRaw(w http.ResponseWriter, s string) {
	_, _ = w.Write([]byte(s))
}

type chatCompletionChoice struct {
	Message      chatMessageWire `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Choices []chatCompletionChoice `json:"choices"`
}

// collectJSON drains the pipeline fully before responding, the
// "non-streaming mode" of spec.md §4.5/§6.
func (s *server) collectJSON(w http.ResponseWriter, reqID string, frames <-chan stream.Frame) {
	var text strings.Builder
	var finish stream.FinishReason
	var streamErr *gatewayerr.Error
	for f := range frames {
		switch f.Kind {
		case stream.Delta:
			text.WriteString(f.Text)
		case stream.End:
			finish = f.FinishReason
		case stream.ErrorFrame:
			streamErr = f.Err
		}
	}
	if streamErr != nil {
		writeJSONStatus(w, streamErr.Kind.Status(), errorEnvelope{Error: errorBody{Message: streamErr.Msg, Type: string(streamErr.Kind), Details: streamErr.Details}})
		return
	}
	writeJSONStatus(w, http.StatusOK, chatCompletionResponse{
		ID: reqID,
		Choices: []chatCompletionChoice{{
			Message:      chatMessageWire{Role: "assistant", Content: text.String()},
			FinishReason: string(finish),
		}},
	})
}

func (s *server) writeError(w http.ResponseWriter, reqID string, err error) {
	if reqID == "" {
		reqID = internal.NewRequestID()
	}
	w.Header().Set("X-Request-Id", reqID)
	ge := gatewayerr.Of(err)
	if ge == nil {
		ge = gatewayerr.Wrap(gatewayerr.Internal, "internal error", err)
	}
	writeJSONStatus(w, ge.Kind.Status(), errorEnvelope{Error: errorBody{Message: ge.Msg, Type: string(ge.Kind), Details: ge.Details}})
}

type modelWire struct {
	ID            string `json:"id"`
	DisplayName   string `json:"display_name"`
	ContextWindow int    `json:"context_window"`
	Family        string `json:"family"`
	Default       bool   `json:"default"`
}

type modelsResponse struct {
	Data []modelWire `json:"data"`
}

func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	list := s.gw.Registry.List()
	out := make([]modelWire, len(list))
	for i, m := range list {
		out[i] = modelWire{ID: m.ID, DisplayName: m.DisplayName, ContextWindow: m.ContextWindow, Family: string(m.Family), Default: m.Default}
	}
	writeJSONStatus(w, http.StatusOK, modelsResponse{Data: out})
}

type healthzResponse struct {
	Status string `json:"status"`
}

// handleHealthz reports the Child Process Manager's cached health state,
// an in-memory mutex read that always returns well within the 2 s bound
// spec.md §6 names (scenario 8: "never hangs").
func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSONStatus(w, http.StatusOK, healthzResponse{Status: healthzStatus(s.gw.Child.Health())})
}

// healthzStatus maps the Child Process Manager's ready/starting/unavailable
// vocabulary onto the wire enum spec.md §6 fixes for this endpoint, which
// spells the ready state "healthy" rather than "ready".
func healthzStatus(h childproc.Health) string {
	if h == childproc.HealthReady {
		return "healthy"
	}
	return string(h)
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSONStatus(w, http.StatusOK, s.gw.Metrics.Snapshot())
}

type versionResponse struct {
	Commit string `json:"commit"`
	Model  string `json:"model"`
}

func (s *server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSONStatus(w, http.StatusOK, versionResponse{Commit: internal.Commit(), Model: s.gw.Active.ID})
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
