package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/cloudwego/eino/schema"
	chromem "github.com/philippgille/chromem-go"

	"github.com/infirad/hadi/pkg/config"
	"github.com/infirad/hadi/pkg/utils"
)

// contextPassages is how many passages are placed in the system prompt.
const contextPassages = 3

// ErrKnowledgeUnavailable is returned by Search when nothing is indexed.
var ErrKnowledgeUnavailable = errors.New("knowledge index unavailable")

// Retriever finds passages relevant to a query.
type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]string, error)
}

// KnowledgeService indexes the company documents into a chromem collection
// and answers similarity queries over it.
type KnowledgeService struct {
	cfg    config.KnowledgeConfig
	db     *chromem.DB
	ef     chromem.EmbeddingFunc
	logger *slog.Logger

	mu  sync.RWMutex
	col *chromem.Collection
}

// NewKnowledgeService opens the vector store. An empty VectorStorePath keeps
// vectors in memory. A nil ef leaves the service unavailable.
func NewKnowledgeService(cfg config.KnowledgeConfig, ef chromem.EmbeddingFunc) (*KnowledgeService, error) {
	var vdb *chromem.DB
	if cfg.VectorStorePath != "" {
		if err := os.MkdirAll(cfg.VectorStorePath, 0o755); err != nil {
			return nil, fmt.Errorf("create vector store dir: %w", err)
		}
		var err error
		vdb, err = chromem.NewPersistentDB(cfg.VectorStorePath, false)
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
	} else {
		vdb = chromem.NewDB()
	}
	if cfg.Collection == "" {
		cfg.Collection = "company_docs"
	}
	if cfg.TopK <= 0 {
		cfg.TopK = contextPassages
	}
	return &KnowledgeService{
		cfg:    cfg,
		db:     vdb,
		ef:     ef,
		logger: utils.GetLogger(),
	}, nil
}

// Index loads DocsDir from scratch. A missing or empty folder leaves the
// service unavailable and is not an error.
func (k *KnowledgeService) Index(ctx context.Context) (int, error) {
	if k.ef == nil {
		k.logger.Warn("No embedding provider configured, knowledge retrieval disabled")
		return 0, nil
	}

	loader, err := NewDocumentLoader(ctx, k.cfg.ChunkSize, k.cfg.ChunkOverlap)
	if err != nil {
		return 0, err
	}
	res, err := loader.LoadDir(ctx, k.cfg.DocsDir)
	if err != nil {
		if os.IsNotExist(err) {
			k.logger.Warn("Documents folder not found", "dir", k.cfg.DocsDir)
			return 0, nil
		}
		return 0, fmt.Errorf("read documents folder: %w", err)
	}
	for name, ferr := range res.Failed {
		k.logger.Warn("Skipping document", "file", name, "error", ferr)
	}
	if len(res.Passages) == 0 {
		k.logger.Warn("No documents to index", "dir", k.cfg.DocsDir)
		return 0, nil
	}

	n, err := k.IndexDocuments(ctx, res.Passages)
	if err != nil {
		return 0, err
	}
	k.logger.Info("Knowledge index ready", "files", len(res.Files), "passages", n)
	return n, nil
}

// IndexDocuments replaces the collection with docs.
func (k *KnowledgeService) IndexDocuments(ctx context.Context, docs []*schema.Document) (int, error) {
	if k.ef == nil {
		return 0, ErrKnowledgeUnavailable
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.col != nil {
		if err := k.db.DeleteCollection(k.cfg.Collection); err != nil {
			return 0, fmt.Errorf("reset collection: %w", err)
		}
		k.col = nil
	}
	col, err := k.db.GetOrCreateCollection(k.cfg.Collection, nil, k.ef)
	if err != nil {
		return 0, fmt.Errorf("create collection: %w", err)
	}

	chromemDocs := make([]chromem.Document, 0, len(docs))
	for i, d := range docs {
		id := d.ID
		if id == "" {
			id = fmt.Sprintf("doc-%d", i)
		}
		meta := make(map[string]string, len(d.MetaData))
		for key, v := range d.MetaData {
			meta[key] = fmt.Sprint(v)
		}
		chromemDocs = append(chromemDocs, chromem.Document{
			ID:       id,
			Content:  d.Content,
			Metadata: meta,
		})
	}
	if len(chromemDocs) > 0 {
		if err := col.AddDocuments(ctx, chromemDocs, runtime.NumCPU()); err != nil {
			return 0, fmt.Errorf("embed documents: %w", err)
		}
	}
	k.col = col
	return len(chromemDocs), nil
}

// Available reports whether at least one passage is indexed.
func (k *KnowledgeService) Available() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.col != nil && k.col.Count() > 0
}

// Count returns the number of indexed passages.
func (k *KnowledgeService) Count() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.col == nil {
		return 0
	}
	return k.col.Count()
}

// Search returns up to n passages ordered by similarity to query.
func (k *KnowledgeService) Search(ctx context.Context, query string, n int) ([]string, error) {
	k.mu.RLock()
	col := k.col
	k.mu.RUnlock()
	if col == nil || col.Count() == 0 {
		return nil, ErrKnowledgeUnavailable
	}
	if n <= 0 {
		n = k.cfg.TopK
	}
	// chromem rejects n larger than the collection
	if c := col.Count(); n > c {
		n = c
	}

	results, err := col.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query knowledge: %w", err)
	}
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Content)
	}
	return out, nil
}

// Context returns the top passages for query joined for the prompt.
func (k *KnowledgeService) Context(ctx context.Context, query string) (string, error) {
	passages, err := k.Search(ctx, query, k.cfg.TopK)
	if err != nil {
		return "", err
	}
	return strings.Join(passages, "\n\n"), nil
}
