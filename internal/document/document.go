package document

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// ErrPreparationFailed is returned when a document cannot be turned into analyzer context.
var ErrPreparationFailed = errors.New("document preparation failed")

// Document is a handle to the input of one analysis task.
type Document struct {
	Name  string // Display name, usually the uploaded file name
	Path  string // File on disk; empty when Text is set
	Text  string // Inline content, used when Path is empty
	Owned bool   // Path is a temporary artifact removed by Release
}

// Context is the prepared, read-only view of a document shared by every job of a task.
type Context struct {
	Name      string
	Text      string
	Truncated bool
}

// Preparer turns a Document into analyzer context.
type Preparer interface {
	Prepare(ctx context.Context, doc Document) (Context, error)
}

// Release removes the document's temporary artifact if it owns one.
// Safe to call more than once.
func (d Document) Release(logger *slog.Logger) {
	if !d.Owned || d.Path == "" {
		return
	}
	if err := os.Remove(d.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("failed to remove document artifact", "path", d.Path, "error", err)
	}
}

// Stage copies r into a temporary file under dir and returns an owned Document.
// An empty dir uses the system temp directory.
func Stage(r io.Reader, name, dir string) (Document, error) {
	ext := filepath.Ext(name)
	f, err := os.CreateTemp(dir, "docanalyst-*"+ext)
	if err != nil {
		return Document{}, fmt.Errorf("failed to create temp file: %w", err)
	}

	doc := Document{Name: name, Path: f.Name(), Owned: true}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		doc.Release(nil)
		return Document{}, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		doc.Release(nil)
		return Document{}, fmt.Errorf("failed to close temp file: %w", err)
	}
	return doc, nil
}

// FilePreparer reads plain text and markdown documents.
type FilePreparer struct {
	MaxChars int // Zero means unlimited
}

// NewFilePreparer creates a preparer that truncates documents to maxChars runes.
func NewFilePreparer(maxChars int) *FilePreparer {
	return &FilePreparer{MaxChars: maxChars}
}

// Prepare loads the document text. Unreadable, binary or empty documents fail
// with ErrPreparationFailed.
func (p *FilePreparer) Prepare(ctx context.Context, doc Document) (Context, error) {
	if err := ctx.Err(); err != nil {
		return Context{}, fmt.Errorf("%w: %w", ErrPreparationFailed, err)
	}

	text := doc.Text
	if doc.Path != "" {
		data, err := os.ReadFile(doc.Path)
		if err != nil {
			return Context{}, fmt.Errorf("%w: %w", ErrPreparationFailed, err)
		}
		text = string(data)
	}

	if !utf8.ValidString(text) {
		return Context{}, fmt.Errorf("%w: %s is not UTF-8 text", ErrPreparationFailed, doc.displayName())
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Context{}, fmt.Errorf("%w: %s has no text content", ErrPreparationFailed, doc.displayName())
	}

	out := Context{Name: doc.displayName(), Text: text}
	if p.MaxChars > 0 && utf8.RuneCountInString(text) > p.MaxChars {
		out.Text = string([]rune(text)[:p.MaxChars])
		out.Truncated = true
	}
	return out, nil
}

func (d Document) displayName() string {
	if d.Name != "" {
		return d.Name
	}
	if d.Path != "" {
		return filepath.Base(d.Path)
	}
	return "document"
}
