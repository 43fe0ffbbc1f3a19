package backend

import (
	"context"
	"fmt"
	"log/slog"
)

// Invoker runs a single analysis job against a language model.
// Implementations must be safe for concurrent Invoke calls.
type Invoker interface {
	// Invoke sends the request and blocks until the model answers or ctx ends.
	Invoke(ctx context.Context, req Request) (Response, error)

	// Name identifies the backend in logs and breaker names.
	Name() string
}

// New creates an invoker based on the provided configuration.
// pm is optional; when set, CLI subprocesses are tracked for shutdown.
func New(ctx context.Context, cfg Config, pm *ProcessManager, logger *slog.Logger) (Invoker, error) {
	switch cfg.Type {
	case "claude":
		return NewClaudeAdapter(cfg, pm, logger)
	case "gemini":
		return NewGeminiAdapter(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
