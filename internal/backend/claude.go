package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ClaudeAdapter runs each job as a one-shot Claude Code CLI invocation.
// Every call gets a fresh session, so concurrent jobs never share history.
type ClaudeAdapter struct {
	binary  string
	workDir string
	model   string
	procMgr *ProcessManager
	logger  *slog.Logger
}

// claudeResponse is the JSON printed by `claude -p --output-format json`.
// Result is a plain string on current CLI versions and a content block
// list on older ones.
type claudeResponse struct {
	SessionID string          `json:"session_id"`
	IsError   bool            `json:"is_error"`
	Result    json.RawMessage `json:"result"`
}

type claudeContent struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// NewClaudeAdapter creates a Claude Code invoker.
// The ProcessManager is optional; if nil, subprocesses are not tracked.
func NewClaudeAdapter(cfg Config, procMgr *ProcessManager, logger *slog.Logger) (*ClaudeAdapter, error) {
	binary := cfg.Binary
	if binary == "" {
		binary = "claude"
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &ClaudeAdapter{
		binary:  binary,
		workDir: workDir,
		model:   cfg.Model,
		procMgr: procMgr,
		logger:  logger.With("backend", "claude"),
	}, nil
}

// Name returns "claude".
func (a *ClaudeAdapter) Name() string { return "claude" }

// Invoke pipes the prompt to the CLI on stdin and parses its JSON output.
func (a *ClaudeAdapter) Invoke(ctx context.Context, req Request) (Response, error) {
	sessionID := uuid.NewString()
	args := a.buildArgs(req, sessionID)

	cmd := newCommand(ctx, a.binary, args...)
	cmd.Dir = a.workDir
	cmd.Stdin = strings.NewReader(req.Prompt())

	start := time.Now()
	stdout, stderr, err := executeCommand(ctx, cmd, a.procMgr)
	if err != nil {
		return Response{}, fmt.Errorf("claude command failed: %w", err)
	}

	resp, err := parseClaudeResponse(stdout)
	if err != nil {
		return Response{}, fmt.Errorf("failed to parse claude response: %w (stderr: %s)", err, string(stderr))
	}

	a.logger.Debug("claude invocation finished",
		"job_id", req.JobID,
		"session_id", sessionID,
		"duration", time.Since(start))

	return resp, nil
}

// buildArgs constructs the command-line arguments for the claude CLI.
// The prompt itself is written to stdin to stay clear of argv size limits.
func (a *ClaudeAdapter) buildArgs(req Request, sessionID string) []string {
	args := []string{"-p", "--output-format", "json", "--session-id", sessionID}

	if a.model != "" {
		args = append(args, "--model", a.model)
	}

	if req.Instructions != "" {
		args = append(args, "--system-prompt", req.Instructions)
	}

	return args
}

// parseClaudeResponse parses the JSON output from Claude Code CLI.
func parseClaudeResponse(data []byte) (Response, error) {
	var cr claudeResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return Response{}, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	var content string
	if len(cr.Result) > 0 {
		if err := json.Unmarshal(cr.Result, &content); err != nil {
			var blocks claudeContent
			if err := json.Unmarshal(cr.Result, &blocks); err != nil {
				return Response{}, fmt.Errorf("unexpected result shape: %w", err)
			}
			for _, item := range blocks.Content {
				if item.Type == "text" {
					content += item.Text
				}
			}
		}
	}

	if cr.IsError {
		return Response{}, fmt.Errorf("claude reported an error: %s", content)
	}
	if strings.TrimSpace(content) == "" {
		return Response{}, ErrEmptyResponse
	}

	return Response{
		Content:   content,
		SessionID: cr.SessionID,
	}, nil
}
