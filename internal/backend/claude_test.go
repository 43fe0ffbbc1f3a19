package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
)

// writeFakeClaude installs a shell script that records its argv and stdin
// and prints body as the CLI's JSON output.
func writeFakeClaude(t *testing.T, body string, exitCode int) (binary, dir string) {
	t.Helper()
	dir = t.TempDir()
	script := "#!/bin/sh\n" +
		"printf '%s\\n' \"$@\" > \"" + filepath.Join(dir, "args.txt") + "\"\n" +
		"cat > \"" + filepath.Join(dir, "stdin.txt") + "\"\n" +
		"cat <<'EOF'\n" + body + "\nEOF\n" +
		"exit " + strconv.Itoa(exitCode) + "\n"
	binary = filepath.Join(dir, "claude")
	if err := os.WriteFile(binary, []byte(script), 0755); err != nil {
		t.Fatalf("Failed to write fake CLI: %v", err)
	}
	return binary, dir
}

// TestClaudeAdapter_BuildArgs verifies the CLI flags for a job request.
func TestClaudeAdapter_BuildArgs(t *testing.T) {
	adapter, err := NewClaudeAdapter(Config{Type: "claude", WorkDir: t.TempDir()}, nil, nil)
	if err != nil {
		t.Fatalf("NewClaudeAdapter failed: %v", err)
	}

	args := adapter.buildArgs(Request{Query: "Analise"}, "test-uuid")

	expected := []string{"-p", "--output-format", "json", "--session-id", "test-uuid"}
	if !sliceEqual(args, expected) {
		t.Errorf("Expected args %v, got %v", expected, args)
	}

	// The prompt travels on stdin, never in argv
	if containsString(args, "Analise") {
		t.Error("Prompt should not be passed as an argument")
	}
}

// TestClaudeAdapter_IncludesModelAndInstructions verifies optional flags.
func TestClaudeAdapter_IncludesModelAndInstructions(t *testing.T) {
	adapter, err := NewClaudeAdapter(Config{Type: "claude", Model: "sonnet", WorkDir: t.TempDir()}, nil, nil)
	if err != nil {
		t.Fatalf("NewClaudeAdapter failed: %v", err)
	}

	args := adapter.buildArgs(Request{Instructions: "Você é um relator neutro"}, "id")

	for flag, want := range map[string]string{"--model": "sonnet", "--system-prompt": "Você é um relator neutro"} {
		found := false
		for i := 0; i < len(args)-1; i++ {
			if args[i] == flag {
				found = true
				if args[i+1] != want {
					t.Errorf("Expected %s %q, got %q", flag, want, args[i+1])
				}
			}
		}
		if !found {
			t.Errorf("Args should contain %s", flag)
		}
	}
}

// TestClaudeAdapter_ParsesJSONResponse verifies both result shapes of the CLI output.
func TestClaudeAdapter_ParsesJSONResponse(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantContent string
		wantSession string
		wantErr     error
		wantError   bool
	}{
		{
			name:        "string result",
			input:       `{"type":"result","is_error":false,"result":"{\"teses\":[]}","session_id":"s-1"}`,
			wantContent: `{"teses":[]}`,
			wantSession: "s-1",
		},
		{
			name:        "content blocks",
			input:       `{"session_id": "s-2", "result": {"content": [{"type": "text", "text": "Part 1"}, {"type": "image"}, {"type": "text", "text": "Part 2"}]}}`,
			wantContent: "Part 1Part 2",
			wantSession: "s-2",
		},
		{
			name:    "empty result",
			input:   `{"session_id": "s-3", "result": ""}`,
			wantErr: ErrEmptyResponse,
		},
		{
			name:    "missing result",
			input:   `{"wrong": "structure"}`,
			wantErr: ErrEmptyResponse,
		},
		{
			name:      "error flag",
			input:     `{"is_error": true, "result": "rate limited"}`,
			wantError: true,
		},
		{
			name:      "invalid JSON",
			input:     `not valid json`,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := parseClaudeResponse([]byte(tt.input))

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if tt.wantError {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			if resp.Content != tt.wantContent {
				t.Errorf("Expected content %q, got %q", tt.wantContent, resp.Content)
			}
			if resp.SessionID != tt.wantSession {
				t.Errorf("Expected session ID %q, got %q", tt.wantSession, resp.SessionID)
			}
		})
	}
}

// TestClaudeAdapter_Invoke runs the adapter against a fake CLI.
func TestClaudeAdapter_Invoke(t *testing.T) {
	binary, dir := writeFakeClaude(t, `{"type":"result","is_error":false,"result":"resumo pronto","session_id":"abc"}`, 0)

	pm := NewProcessManager()
	adapter, err := NewClaudeAdapter(Config{Type: "claude", Binary: binary, WorkDir: dir}, pm, nil)
	if err != nil {
		t.Fatalf("NewClaudeAdapter failed: %v", err)
	}

	resp, err := adapter.Invoke(context.Background(), Request{
		JobID:   "defesa",
		Query:   "Extraia as teses defensivas.",
		Context: "Autos do processo.",
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if resp.Content != "resumo pronto" {
		t.Errorf("Expected content 'resumo pronto', got %q", resp.Content)
	}

	stdin, err := os.ReadFile(filepath.Join(dir, "stdin.txt"))
	if err != nil {
		t.Fatalf("Failed to read recorded stdin: %v", err)
	}
	if !strings.Contains(string(stdin), "Extraia as teses defensivas.") || !strings.Contains(string(stdin), "Autos do processo.") {
		t.Errorf("Prompt not delivered on stdin: %q", stdin)
	}

	args, err := os.ReadFile(filepath.Join(dir, "args.txt"))
	if err != nil {
		t.Fatalf("Failed to read recorded args: %v", err)
	}
	uuidPattern := regexp.MustCompile(`(?m)^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	if !uuidPattern.Match(args) {
		t.Errorf("Expected a UUID v4 session id in args, got:\n%s", args)
	}

	if pm.Count() != 0 {
		t.Errorf("Expected process to be untracked after Invoke, got %d", pm.Count())
	}
}

// TestClaudeAdapter_InvokeFailure verifies a failing CLI surfaces an error.
func TestClaudeAdapter_InvokeFailure(t *testing.T) {
	binary, dir := writeFakeClaude(t, "boom", 2)

	adapter, err := NewClaudeAdapter(Config{Type: "claude", Binary: binary, WorkDir: dir}, nil, nil)
	if err != nil {
		t.Fatalf("NewClaudeAdapter failed: %v", err)
	}

	if _, err := adapter.Invoke(context.Background(), Request{Query: "x"}); err == nil {
		t.Fatal("Expected error from failing CLI")
	}
}

// Helper function to check if two string slices are equal
func sliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Helper function to check if a string slice contains a specific string
func containsString(slice []string, str string) bool {
	for _, s := range slice {
		if s == str {
			return true
		}
	}
	return false
}
