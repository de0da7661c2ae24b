// Package pipeline ships the document ingestion workflow: fetch a
// document, parse it to text, split the text into blocks, index the
// blocks, and record a summary. The parsing and indexing internals are
// collaborator interfaces; the package provides minimal defaults so
// the pipeline runs out of the box.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// JobTypeDocumentIngest is the registry key for the ingestion workflow.
const JobTypeDocumentIngest = "document.ingest"

// Request is the submission payload for a document ingestion job.
type Request struct {
	DocumentID  string `json:"document_id"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"content_type,omitempty"`

	// Source is what the Fetcher resolves: a URL, an object key, or —
	// with the default fetcher — the document content itself.
	Source string `json:"source"`
}

func (r Request) validate() error {
	if r.DocumentID == "" {
		return fmt.Errorf("pipeline: request missing document_id")
	}
	if r.Source == "" {
		return fmt.Errorf("pipeline: request missing source")
	}
	return nil
}

// Fetcher resolves a request's source to raw document bytes.
type Fetcher interface {
	Fetch(ctx context.Context, source string) ([]byte, error)
}

// Parser converts raw document bytes to plain text.
type Parser interface {
	Parse(ctx context.Context, contentType string, raw []byte) (string, error)
}

// Chunker splits parsed text into indexable blocks.
type Chunker interface {
	Split(ctx context.Context, text string) ([]string, error)
}

// Indexer stores one block in the search index.
type Indexer interface {
	Index(ctx context.Context, documentID string, blockIndex int, text string) error
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// InlineFetcher treats the source as the document content itself.
type InlineFetcher struct{}

func (InlineFetcher) Fetch(_ context.Context, source string) ([]byte, error) {
	return []byte(source), nil
}

// PlainParser passes text content through unchanged.
type PlainParser struct{}

func (PlainParser) Parse(_ context.Context, _ string, raw []byte) (string, error) {
	return string(raw), nil
}

// ParagraphChunker splits on blank lines, dropping empty blocks.
type ParagraphChunker struct{}

func (ParagraphChunker) Split(_ context.Context, text string) ([]string, error) {
	var blocks []string
	for _, para := range strings.Split(text, "\n\n") {
		if trimmed := strings.TrimSpace(para); trimmed != "" {
			blocks = append(blocks, trimmed)
		}
	}
	return blocks, nil
}

// MemoryIndexer collects indexed blocks in memory, for tests and
// development.
type MemoryIndexer struct {
	mu     sync.Mutex
	blocks map[string][]string
}

// NewMemoryIndexer creates an empty indexer.
func NewMemoryIndexer() *MemoryIndexer {
	return &MemoryIndexer{blocks: make(map[string][]string)}
}

// Index implements Indexer.
func (m *MemoryIndexer) Index(_ context.Context, documentID string, blockIndex int, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	blocks := m.blocks[documentID]
	for len(blocks) <= blockIndex {
		blocks = append(blocks, "")
	}
	blocks[blockIndex] = text
	m.blocks[documentID] = blocks
	return nil
}

// Blocks returns the indexed blocks of a document.
func (m *MemoryIndexer) Blocks(documentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.blocks[documentID]...)
}
