// Copyright 2026 The ChatSafe Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package registry is the in-memory, read-only-after-load catalog of
// model configurations ChatSafe can serve. It concentrates all
// model-specific knowledge — template family, stop sequences, parameter
// defaults — in one auditable place, per spec.md §4.1.
package registry

import (
	"bytes"
	_ "embed"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/everettbu/chatsafe/gatewayerr"
)

// Family is a chat-template family tag (spec.md §4.2).
type Family string

const (
	Llama3 Family = "llama3"
	ChatML Family = "chatml"
	Alpaca Family = "alpaca"
)

// Defaults holds the per-model default generation parameters, substituted
// in for whatever a client request leaves unset.
type Defaults struct {
	Temperature   float64 `yaml:"temperature"`
	MaxTokens     int     `yaml:"max_tokens"`
	TopP          float64 `yaml:"top_p"`
	TopK          int     `yaml:"top_k"`
	RepeatPenalty float64 `yaml:"repeat_penalty"`
}

// ModelConfig is an immutable catalog entry (spec.md §3). The id is unique
// and matches the catalog key it was loaded under.
type ModelConfig struct {
	ID            string   `yaml:"id"`
	DisplayName   string   `yaml:"display_name"`
	FileName      string   `yaml:"file_name"`
	ContextWindow int      `yaml:"context_window"`
	Family        Family   `yaml:"family"`
	StopSequences []string `yaml:"stop_sequences"`
	Defaults      Defaults `yaml:"defaults"`
	Default       bool     `yaml:"default"`
}

// GenerationParams are the fully-merged, range-validated per-request
// values (spec.md §3).
type GenerationParams struct {
	Temperature   float64
	MaxTokens     int
	TopP          float64
	TopK          int
	RepeatPenalty float64
}

// Overrides carries the subset of GenerationParams a client request set
// explicitly. A nil field means "inherit the model's default."
type Overrides struct {
	Temperature   *float64
	MaxTokens     *int
	TopP          *float64
	TopK          *int
	RepeatPenalty *float64
}

//go:embed catalog_default.yml
var defaultCatalog []byte

type catalogDoc struct {
	Models []ModelConfig `yaml:"models"`
}

// Registry is the read-only, process-wide model catalog. It is created
// once at startup (Load) and safely shared by reference across every
// request-handling goroutine thereafter.
type Registry struct {
	byID       map[string]*ModelConfig
	order      []string
	defaultID  string
}

// Load reads a catalog document from path, or falls back to the embedded
// default catalog if path is empty. A malformed or unreadable document is
// fatal per spec.md §4.1 ("config_error... the service refuses to
// start").
func Load(path string) (*Registry, error) {
	b := defaultCatalog
	if path != "" {
		var err error
		if b, err = os.ReadFile(path); err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.ConfigError, "failed to read model catalog", err)
		}
	}
	return parse(b)
}

func parse(b []byte) (*Registry, error) {
	d := yaml.NewDecoder(bytes.NewReader(b))
	d.KnownFields(true)
	var doc catalogDoc
	if err := d.Decode(&doc); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ConfigError, "failed to parse model catalog", err)
	}
	r := &Registry{byID: make(map[string]*ModelConfig, len(doc.Models))}
	defaults := 0
	for i := range doc.Models {
		m := doc.Models[i]
		if m.ID == "" {
			return nil, gatewayerr.Newf(gatewayerr.ConfigError, "model at index %d has no id", i)
		}
		if _, dup := r.byID[m.ID]; dup {
			return nil, gatewayerr.Newf(gatewayerr.ConfigError, "duplicate model id %q", m.ID)
		}
		switch m.Family {
		case Llama3, ChatML, Alpaca:
		default:
			return nil, gatewayerr.Newf(gatewayerr.ConfigError, "model %q has unknown template family %q", m.ID, m.Family)
		}
		if err := validateDefaults(m.ID, m.Defaults, m.ContextWindow); err != nil {
			return nil, err
		}
		r.byID[m.ID] = &m
		r.order = append(r.order, m.ID)
		if m.Default {
			defaults++
			r.defaultID = m.ID
		}
	}
	if len(doc.Models) == 0 {
		return nil, gatewayerr.New(gatewayerr.ConfigError, "model catalog has no entries")
	}
	if defaults != 1 {
		return nil, gatewayerr.Newf(gatewayerr.ConfigError, "model catalog must mark exactly one model as default, found %d", defaults)
	}
	return r, nil
}

func validateDefaults(id string, d Defaults, ctx int) error {
	if ctx <= 0 {
		return gatewayerr.Newf(gatewayerr.ConfigError, "model %q has non-positive context_window", id)
	}
	if d.Temperature < 0 || d.Temperature > 2 {
		return gatewayerr.Newf(gatewayerr.ConfigError, "model %q default temperature out of range", id)
	}
	if d.MaxTokens < 1 || d.MaxTokens > ctx {
		return gatewayerr.Newf(gatewayerr.ConfigError, "model %q default max_tokens out of range", id)
	}
	if d.TopP < 0 || d.TopP > 1 {
		return gatewayerr.Newf(gatewayerr.ConfigError, "model %q default top_p out of range", id)
	}
	if d.TopK < 1 || d.TopK > 1000 {
		return gatewayerr.Newf(gatewayerr.ConfigError, "model %q default top_k out of range", id)
	}
	if d.RepeatPenalty < 0.1 || d.RepeatPenalty > 2 {
		return gatewayerr.Newf(gatewayerr.ConfigError, "model %q default repeat_penalty out of range", id)
	}
	return nil
}

// Lookup returns the ModelConfig for id, or model_not_found.
func (r *Registry) Lookup(id string) (*ModelConfig, error) {
	m, ok := r.byID[id]
	if !ok {
		return nil, gatewayerr.Newf(gatewayerr.ModelNotFound, "Model not found: %s.", id)
	}
	return m, nil
}

// Default returns the catalog's default model.
func (r *Registry) Default() *ModelConfig {
	return r.byID[r.defaultID]
}

// List returns every ModelConfig in catalog order.
func (r *Registry) List() []*ModelConfig {
	out := make([]*ModelConfig, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// ApplyOverrides substitutes missing fields in o from id's defaults and
// validates the merged result's ranges, per spec.md §3/§4.1.
func (r *Registry) ApplyOverrides(id string, o Overrides) (GenerationParams, error) {
	m, err := r.Lookup(id)
	if err != nil {
		return GenerationParams{}, err
	}
	p := GenerationParams{
		Temperature:   m.Defaults.Temperature,
		MaxTokens:     m.Defaults.MaxTokens,
		TopP:          m.Defaults.TopP,
		TopK:          m.Defaults.TopK,
		RepeatPenalty: m.Defaults.RepeatPenalty,
	}
	if o.Temperature != nil {
		p.Temperature = *o.Temperature
	}
	if o.MaxTokens != nil {
		p.MaxTokens = *o.MaxTokens
	}
	if o.TopP != nil {
		p.TopP = *o.TopP
	}
	if o.TopK != nil {
		p.TopK = *o.TopK
	}
	if o.RepeatPenalty != nil {
		p.RepeatPenalty = *o.RepeatPenalty
	}
	if err := invalidParam(p, m.ContextWindow); err != nil {
		return GenerationParams{}, err
	}
	return p, nil
}

func invalidParam(p GenerationParams, ctx int) error {
	switch {
	case p.Temperature < 0 || p.Temperature > 2:
		return gatewayerr.Newf(gatewayerr.InvalidParameter, "temperature must be between 0 and 2.").WithDetails("temperature")
	case p.MaxTokens < 1 || p.MaxTokens > ctx:
		return gatewayerr.Newf(gatewayerr.InvalidParameter, "max_tokens must be between 1 and %d.", ctx).WithDetails("max_tokens")
	case p.TopP < 0 || p.TopP > 1:
		return gatewayerr.Newf(gatewayerr.InvalidParameter, "top_p must be between 0 and 1.").WithDetails("top_p")
	case p.TopK < 1 || p.TopK > 1000:
		return gatewayerr.Newf(gatewayerr.InvalidParameter, "top_k must be between 1 and 1000.").WithDetails("top_k")
	case p.RepeatPenalty < 0.1 || p.RepeatPenalty > 2:
		return gatewayerr.Newf(gatewayerr.InvalidParameter, "repeat_penalty must be between 0.1 and 2.").WithDetails("repeat_penalty")
	}
	return nil
}
