// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package intent

import (
	"fmt"
	"log/slog"

	"github.com/queryloom/queryloom/services/pipeline/config"
)

// FromConfig builds the configured Resolver backend.
func FromConfig(cfg config.IntentConfig, logger *slog.Logger) (Resolver, error) {
	opts := Options{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		Timeout:             cfg.Timeout,
		Logger:              logger,
	}

	switch cfg.Backend {
	case "anthropic", "claude":
		gen, err := NewAnthropicGenerator(cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("anthropic backend: %w", err)
		}
		slog.Info("Using Anthropic (Claude) intent backend")
		return NewResolver(gen, opts), nil

	case "openai":
		gen, err := NewOpenAIGenerator(cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("openai backend: %w", err)
		}
		slog.Info("Using OpenAI intent backend")
		return NewResolver(gen, opts), nil

	case "ollama":
		gen, err := NewOllamaGenerator(cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("ollama backend: %w", err)
		}
		slog.Info("Using Ollama intent backend")
		return NewResolver(gen, opts), nil

	case "static", "":
		slog.Info("Using static (offline) intent backend")
		return NewStaticResolver(cfg.ConfidenceThreshold), nil

	default:
		return nil, fmt.Errorf("unknown intent backend %q", cfg.Backend)
	}
}
