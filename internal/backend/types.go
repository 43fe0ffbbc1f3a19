package backend

import (
	"errors"
	"strings"
)

var (
	// ErrEmptyResponse is returned when the analyzer answers with no text.
	ErrEmptyResponse = errors.New("empty analyzer response")
	// ErrBlocked is returned when the analyzer refuses to answer. Not worth retrying.
	ErrBlocked = errors.New("analyzer blocked the request")
)

// Request is one job invocation.
type Request struct {
	JobID        string
	Instructions string // System prompt
	Query        string
	Context      string // Document text; empty for jobs that do not read the document
}

// Prompt joins the query and the document context into the user message.
func (r Request) Prompt() string {
	if strings.TrimSpace(r.Context) == "" {
		return r.Query
	}
	return r.Query + "\n\n<documento>\n" + r.Context + "\n</documento>"
}

// Response represents a response from the analyzer.
type Response struct {
	Content   string
	SessionID string
}

// Config defines the configuration for an invoker.
type Config struct {
	Type       string // "claude" or "gemini"
	Binary     string // Claude CLI executable, defaults to "claude"
	WorkDir    string
	Model      string
	APIKey     string // Gemini only
	JSONOutput bool   // Ask the model for application/json (Gemini only)
}
