package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/conveyorhq/conveyor/taskexec"
	"github.com/conveyorhq/conveyor/workflow"
)

// Step names, in execution order.
const (
	StepInitialize    = "initialize"
	StepFetchContent  = "fetch_content"
	StepParseFile     = "parse_file"
	StepExtractBlocks = "extract_blocks"
	StepProcessChunks = "process_chunks"
	StepFinalize      = "finalize"
)

// indexConcurrency bounds the process_chunks fan-out per job.
const indexConcurrency = 4

// TaskIndexChunks is the executor reference for the chunk indexing
// task. A custom Executor must serve it.
const TaskIndexChunks = "pipeline.index_chunks"

// chunkPollInterval paces Delegate's status polling of the indexing
// task.
const chunkPollInterval = 50 * time.Millisecond

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithFetcher replaces the default inline fetcher.
func WithFetcher(f Fetcher) Option { return func(p *Pipeline) { p.fetcher = f } }

// WithParser replaces the default plain-text parser.
func WithParser(pr Parser) Option { return func(p *Pipeline) { p.parser = pr } }

// WithChunker replaces the default paragraph chunker.
func WithChunker(c Chunker) Option { return func(p *Pipeline) { p.chunker = c } }

// WithIndexer replaces the default in-memory indexer.
func WithIndexer(i Indexer) Option { return func(p *Pipeline) { p.indexer = i } }

// WithExecutor replaces the default in-process task executor. The
// replacement must serve TaskIndexChunks.
func WithExecutor(x taskexec.Executor) Option { return func(p *Pipeline) { p.exec = x } }

// Pipeline binds the ingestion steps to a set of collaborators. The
// chunk indexing step runs behind the taskexec boundary so it can be
// moved off-process without touching the workflow.
type Pipeline struct {
	fetcher Fetcher
	parser  Parser
	chunker Chunker
	indexer Indexer
	exec    taskexec.Executor
}

// New creates a pipeline with default collaborators, overridable via
// options.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		fetcher: InlineFetcher{},
		parser:  PlainParser{},
		chunker: ParagraphChunker{},
		indexer: NewMemoryIndexer(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.exec == nil {
		local := taskexec.NewLocal()
		if err := local.RegisterTask(TaskIndexChunks, p.indexChunks); err != nil {
			panic(err) // fresh executor, constant ref
		}
		p.exec = local
	}
	return p
}

// fetchOutput is the checkpointed output of fetch_content.
type fetchOutput struct {
	Content []byte `json:"content"`
}

// parseOutput is the checkpointed output of parse_file.
type parseOutput struct {
	Text  string `json:"text"`
	Chars int    `json:"chars"`
}

// blocksOutput is the checkpointed output of extract_blocks.
type blocksOutput struct {
	Blocks []string `json:"blocks"`
}

// chunksOutput is the output of process_chunks.
type chunksOutput struct {
	Indexed int `json:"indexed"`
}

// Summary is the finalize step's output and the job's overall result.
type Summary struct {
	DocumentID  string    `json:"document_id"`
	Blocks      int       `json:"blocks"`
	Indexed     int       `json:"indexed"`
	CompletedAt time.Time `json:"completed_at"`
}

// Definition assembles the ingestion workflow with its standard
// per-step budgets. Overlay an external workflow.Config to adjust them
// per deployment.
func (p *Pipeline) Definition() *workflow.Definition {
	return workflow.MustDefinition("document_parsing", "1",
		// initialize is cached so later steps stay valid resume points:
		// a resume needs every prior step's output restorable.
		workflow.Step{
			Name: StepInitialize,
			Config: workflow.StepConfig{
				Enabled: true, Timeout: 60 * time.Second, RetryCount: 3,
				CacheEnabled: true, CacheTTL: time.Hour,
			},
			Run: p.initialize,
		},
		workflow.Step{
			Name: StepFetchContent,
			Config: workflow.StepConfig{
				Enabled: true, Timeout: 5 * time.Minute, RetryCount: 3,
				CacheEnabled: true, CacheTTL: time.Hour,
			},
			Run: p.fetchContent,
		},
		workflow.Step{
			Name: StepParseFile,
			Config: workflow.StepConfig{
				Enabled: true, Timeout: 30 * time.Minute, RetryCount: 2,
				CacheEnabled: true, CacheTTL: 2 * time.Hour,
			},
			Run: p.parseFile,
		},
		workflow.Step{
			Name: StepExtractBlocks,
			Config: workflow.StepConfig{
				Enabled: true, Timeout: 10 * time.Minute, RetryCount: 3,
				CacheEnabled: true, CacheTTL: 2 * time.Hour,
			},
			Run: p.extractBlocks,
		},
		workflow.Step{
			Name:   StepProcessChunks,
			Config: workflow.StepConfig{Enabled: true, Timeout: time.Hour, RetryCount: 2},
			Run:    p.processChunks,
		},
		workflow.Step{
			Name:   StepFinalize,
			Config: workflow.StepConfig{Enabled: true, Timeout: 60 * time.Second, RetryCount: 3},
			Run:    p.finalize,
		},
	)
}

func (p *Pipeline) initialize(_ context.Context, ec *workflow.ExecutionContext) (any, error) {
	var req Request
	if err := ec.DecodePayload(&req); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func (p *Pipeline) fetchContent(ctx context.Context, ec *workflow.ExecutionContext) (any, error) {
	req, err := workflow.Output[Request](ec, StepInitialize)
	if err != nil {
		return nil, err
	}

	content, err := p.fetcher.Fetch(ctx, req.Source)
	if err != nil {
		return nil, fmt.Errorf("pipeline: fetch %q: %w", req.Source, err)
	}
	return fetchOutput{Content: content}, nil
}

func (p *Pipeline) parseFile(ctx context.Context, ec *workflow.ExecutionContext) (any, error) {
	req, err := workflow.Output[Request](ec, StepInitialize)
	if err != nil {
		return nil, err
	}
	fetched, err := workflow.Output[fetchOutput](ec, StepFetchContent)
	if err != nil {
		return nil, err
	}

	text, err := p.parser.Parse(ctx, req.ContentType, fetched.Content)
	if err != nil {
		return nil, fmt.Errorf("pipeline: parse %q: %w", req.DocumentID, err)
	}
	return parseOutput{Text: text, Chars: len(text)}, nil
}

func (p *Pipeline) extractBlocks(ctx context.Context, ec *workflow.ExecutionContext) (any, error) {
	parsed, err := workflow.Output[parseOutput](ec, StepParseFile)
	if err != nil {
		return nil, err
	}

	blocks, err := p.chunker.Split(ctx, parsed.Text)
	if err != nil {
		return nil, fmt.Errorf("pipeline: split: %w", err)
	}
	return blocksOutput{Blocks: blocks}, nil
}

// indexChunksArgs is the wire payload handed to the indexing task.
type indexChunksArgs struct {
	DocumentID string   `json:"document_id"`
	Blocks     []string `json:"blocks"`
}

func (p *Pipeline) processChunks(ctx context.Context, ec *workflow.ExecutionContext) (any, error) {
	req, err := workflow.Output[Request](ec, StepInitialize)
	if err != nil {
		return nil, err
	}
	extracted, err := workflow.Output[blocksOutput](ec, StepExtractBlocks)
	if err != nil {
		return nil, err
	}

	raw, err := taskexec.Delegate(ctx, p.exec, TaskIndexChunks,
		indexChunksArgs{DocumentID: req.DocumentID, Blocks: extracted.Blocks}, chunkPollInterval)
	if err != nil {
		return nil, err
	}

	var out chunksOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("pipeline: decode index result: %w", err)
	}
	return out, nil
}

// indexChunks is the task body behind TaskIndexChunks.
func (p *Pipeline) indexChunks(ctx context.Context, raw json.RawMessage) (any, error) {
	var args indexChunksArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("pipeline: decode index args: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(indexConcurrency)
	for i, block := range args.Blocks {
		g.Go(func() error {
			return p.indexer.Index(gctx, args.DocumentID, i, block)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("pipeline: index %q: %w", args.DocumentID, err)
	}
	return chunksOutput{Indexed: len(args.Blocks)}, nil
}

func (p *Pipeline) finalize(_ context.Context, ec *workflow.ExecutionContext) (any, error) {
	req, err := workflow.Output[Request](ec, StepInitialize)
	if err != nil {
		return nil, err
	}
	extracted, err := workflow.Output[blocksOutput](ec, StepExtractBlocks)
	if err != nil {
		return nil, err
	}
	indexed, err := workflow.Output[chunksOutput](ec, StepProcessChunks)
	if err != nil {
		return nil, err
	}

	return Summary{
		DocumentID:  req.DocumentID,
		Blocks:      len(extracted.Blocks),
		Indexed:     indexed.Indexed,
		CompletedAt: time.Now().UTC(),
	}, nil
}
