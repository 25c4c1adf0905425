// Copyright 2026 The ChatSafe Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package chatsafe is the composition root: the Gateway runtime value that
// owns every process-wide singleton (registry, admission controller,
// metrics digest, child process manager) and the Request Orchestrator that
// ties them together per inbound completion request (spec.md §4.7, §9
// "Global state").
package chatsafe

import (
	"bytes"
	"context"
	_ "embed"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/everettbu/chatsafe/admission"
	"github.com/everettbu/chatsafe/childproc"
	"github.com/everettbu/chatsafe/gatewayerr"
	"github.com/everettbu/chatsafe/internal"
	"github.com/everettbu/chatsafe/metrics"
	"github.com/everettbu/chatsafe/registry"
	"github.com/everettbu/chatsafe/stream"
)

// defaultConfigDoc ships a working configuration the same way the
// teacher's models.go ships DefaultConfig; unlike the teacher's, this one
// is never written back to disk (ChatSafe's config is read-only input,
// spec.md §6 "Persisted state: None").
//
//go:embed default_config.yml
var defaultConfigDoc []byte

// RateLimitConfig is the YAML-facing subset of admission.Config.
type RateLimitConfig struct {
	PerKeyCapacity     int     `yaml:"per_key_capacity"`
	PerKeyRefillPerSec float64 `yaml:"per_key_refill_per_sec"`
	GlobalCapacity     int     `yaml:"global_capacity"`
	GlobalRefillPerSec float64 `yaml:"global_refill_per_sec"`
	MaxConcurrency     int     `yaml:"max_concurrency"`
	IdleEvictMinutes   int     `yaml:"idle_evict_minutes"`
}

// Config is ChatSafe's server configuration document. The model catalog
// itself is a separate document owned by the registry package; CatalogPath
// optionally points at one, otherwise registry.Load falls back to its own
// embedded default.
type Config struct {
	Listen          string          `yaml:"listen"`
	ModelDir        string          `yaml:"model_dir"`
	Executable      string          `yaml:"executable"`
	CatalogPath     string          `yaml:"catalog_path"`
	// Model overrides which catalog entry is brought up at startup; empty
	// means the catalog's own `default: true` entry (spec.md §9 Open
	// Questions, "hot-swapping the active model" — still only one model
	// is ever loaded, but it need not be the catalog's marked default).
	Model           string          `yaml:"model"`
	LogDir          string          `yaml:"log_dir"`
	ChannelCapacity int             `yaml:"channel_capacity"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// LoadConfig decodes a YAML configuration document from path, or falls
// back to the embedded default if path is empty. A malformed document is
// a fatal config_error (spec.md §4.1's "the service refuses to start"
// policy applies to the server config as much as the catalog).
func LoadConfig(path string) (Config, error) {
	b := defaultConfigDoc
	if path != "" {
		var err error
		if b, err = os.ReadFile(path); err != nil {
			return Config{}, gatewayerr.Wrap(gatewayerr.ConfigError, "failed to read config", err)
		}
	}
	var cfg Config
	d := yaml.NewDecoder(bytes.NewReader(b))
	d.KnownFields(true)
	if err := d.Decode(&cfg); err != nil {
		return Config{}, gatewayerr.Wrap(gatewayerr.ConfigError, "failed to parse config", err)
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8080"
	}
	return cfg, nil
}

func (c Config) channelCapacity() int {
	if c.ChannelCapacity > 0 {
		return c.ChannelCapacity
	}
	return stream.DefaultCapacity
}

// admissionConfig merges the document's rate_limit section over
// admission.DefaultConfig, leaving any unset (zero) field at its default.
func (c Config) admissionConfig() admission.Config {
	d := admission.DefaultConfig()
	rl := c.RateLimit
	if rl.PerKeyCapacity > 0 {
		d.PerKeyCapacity = rl.PerKeyCapacity
	}
	if rl.PerKeyRefillPerSec > 0 {
		d.PerKeyRefillPerSec = rl.PerKeyRefillPerSec
	}
	if rl.GlobalCapacity > 0 {
		d.GlobalCapacity = rl.GlobalCapacity
	}
	if rl.GlobalRefillPerSec > 0 {
		d.GlobalRefillPerSec = rl.GlobalRefillPerSec
	}
	if rl.MaxConcurrency > 0 {
		d.MaxConcurrency = rl.MaxConcurrency
	}
	if rl.IdleEvictMinutes > 0 {
		d.IdleEvictAfter = time.Duration(rl.IdleEvictMinutes) * time.Minute
	}
	return d
}

func (c Config) childConfig(port int, m *metrics.Digest) childproc.Config {
	d := childproc.DefaultConfig()
	d.Executable = c.Executable
	d.ModelDir = c.ModelDir
	d.Port = port
	d.LogDir = c.LogDir
	d.Metrics = m
	return d
}

// Gateway is the process-wide runtime singleton (spec.md §9): the
// registry, admission controller, metrics digest, and child process
// manager, each with their own internal synchronization and none of them
// requiring external locking to share across request-handling goroutines.
type Gateway struct {
	Config    Config
	Registry  *registry.Registry
	Admission *admission.Controller
	Metrics   *metrics.Digest
	Child     *childproc.Manager
	// Active is the one catalog entry this Gateway ever brings a child
	// process up for (spec.md §9 "single-model-active constraint"): the
	// catalog's default entry unless Config.Model names another.
	Active *registry.ModelConfig
}

// New constructs a Gateway: loads the model catalog, starts the admission
// controller and metrics digest, and brings the active model's child
// process up to ready. No hidden initialization order (spec.md §9): the
// catalog is read first since the child's startup needs the active
// entry's file name and context window.
//
// On any failure New tears down whatever it already brought up before
// returning, so a caller never has to guess what needs closing.
func New(ctx context.Context, cfg Config) (*Gateway, error) {
	reg, err := registry.Load(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	active := reg.Default()
	if cfg.Model != "" {
		if active, err = reg.Lookup(cfg.Model); err != nil {
			return nil, err
		}
	}

	g := &Gateway{
		Config:    cfg,
		Registry:  reg,
		Admission: admission.New(cfg.admissionConfig()),
		Metrics:   metrics.New(),
		Active:    active,
	}

	port := internal.FindFreePort()
	g.Child = childproc.New(cfg.childConfig(port, g.Metrics))
	if err := g.Child.EnsureStarted(ctx, active); err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

// Close tears down every owned resource exactly once, regardless of how
// far New got before failing (spec.md §9 "Scoped resources"). It is safe
// to call on a partially-constructed Gateway.
func (g *Gateway) Close() {
	if g.Child != nil {
		g.Child.Shutdown()
	}
	if g.Admission != nil {
		g.Admission.Close()
	}
}
