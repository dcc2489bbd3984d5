// Document loading for the company knowledge index
package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	"github.com/cloudwego/eino-ext/components/document/transformer/splitter/recursive"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const (
	metaSource  = "source"
	metaSection = "section"
	metaChunk   = "chunk"

	maxSectionDepth = 4
)

// DocumentLoader reads a folder of PDF, Markdown and text files and splits
// them into passages.
type DocumentLoader struct {
	pdfParser *pdf.PDFParser
	splitter  document.Transformer
}

// NewDocumentLoader builds the parser and splitter. chunkSize and overlap
// are measured in characters.
func NewDocumentLoader(ctx context.Context, chunkSize, overlap int) (*DocumentLoader, error) {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = chunkSize / 5
	}

	pdfParser, err := pdf.NewPDFParser(ctx, &pdf.Config{ToPages: true})
	if err != nil {
		return nil, fmt.Errorf("create pdf parser: %w", err)
	}
	splitter, err := recursive.NewSplitter(ctx, &recursive.Config{
		ChunkSize:   chunkSize,
		OverlapSize: overlap,
		Separators:  []string{"\n\n", "\n", ". ", " "},
	})
	if err != nil {
		return nil, fmt.Errorf("create splitter: %w", err)
	}
	return &DocumentLoader{pdfParser: pdfParser, splitter: splitter}, nil
}

// LoadResult lists what LoadDir produced and what it skipped.
type LoadResult struct {
	Passages []*schema.Document
	Files    []string
	Failed   map[string]error
}

// LoadDir parses every supported file in dir (non-recursive). A missing
// folder is reported as an error; unreadable files land in Failed.
func (l *DocumentLoader) LoadDir(ctx context.Context, dir string) (*LoadResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	res := &LoadResult{Failed: make(map[string]error)}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !supportedDocument(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		docs, err := l.LoadFile(ctx, path)
		if err != nil {
			res.Failed[name] = err
			continue
		}
		chunks, err := l.split(ctx, name, docs)
		if err != nil {
			res.Failed[name] = err
			continue
		}
		res.Files = append(res.Files, name)
		res.Passages = append(res.Passages, chunks...)
	}
	return res, nil
}

func supportedDocument(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf", ".md", ".markdown", ".txt":
		return true
	}
	return false
}

// LoadFile returns the unsplit documents of one file.
func (l *DocumentLoader) LoadFile(ctx context.Context, path string) ([]*schema.Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(path)

	var docs []*schema.Document
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		docs, err = l.pdfParser.Parse(ctx, bytes.NewReader(b), parser.WithURI(path))
		if err != nil {
			return nil, fmt.Errorf("parse pdf: %w", err)
		}
	case ".md", ".markdown":
		for _, sec := range parseMarkdownSections(b) {
			docs = append(docs, &schema.Document{
				Content:  sec.body,
				MetaData: map[string]any{metaSection: strings.Join(sec.path, " > ")},
			})
		}
	default:
		docs = []*schema.Document{{Content: string(b)}}
	}

	out := docs[:0]
	for _, d := range docs {
		if strings.TrimSpace(d.Content) == "" {
			continue
		}
		if d.MetaData == nil {
			d.MetaData = map[string]any{}
		}
		d.MetaData[metaSource] = name
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no text extracted from %s", name)
	}
	return out, nil
}

// split chunks docs and assigns stable ids "<file>#<n>".
func (l *DocumentLoader) split(ctx context.Context, name string, docs []*schema.Document) ([]*schema.Document, error) {
	chunks, err := l.splitter.Transform(ctx, docs)
	if err != nil {
		return nil, fmt.Errorf("split %s: %w", name, err)
	}
	out := make([]*schema.Document, 0, len(chunks))
	for _, c := range chunks {
		if strings.TrimSpace(c.Content) == "" {
			continue
		}
		if c.MetaData == nil {
			c.MetaData = map[string]any{metaSource: name}
		}
		c.MetaData[metaChunk] = len(out)
		c.ID = fmt.Sprintf("%s#%d", name, len(out))
		out = append(out, c)
	}
	return out, nil
}

type markdownSection struct {
	path []string
	body string
}

// parseMarkdownSections groups block text under the heading path it
// appears in. Text before the first heading gets an empty path.
func parseMarkdownSections(md []byte) []markdownSection {
	var out []markdownSection

	root := goldmark.DefaultParser().Parse(text.NewReader(md))

	var currentPath []string
	var buf bytes.Buffer

	flush := func() {
		if strings.TrimSpace(buf.String()) != "" {
			out = append(out, markdownSection{path: append([]string(nil), currentPath...), body: buf.String()})
		}
		buf.Reset()
	}

	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if h, ok := n.(*ast.Heading); ok {
			if !entering {
				return ast.WalkContinue, nil
			}
			flush()
			if h.Level <= maxSectionDepth {
				if len(currentPath) >= h.Level {
					currentPath = currentPath[:h.Level-1]
				}
				currentPath = append(currentPath, string(h.Text(md)))
			}
			return ast.WalkSkipChildren, nil
		}
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.(type) {
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			// Code blocks carry raw lines instead of Text children.
			if n.PreviousSibling() != nil {
				buf.WriteByte('\n')
			}
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				buf.Write(seg.Value(md))
			}
			return ast.WalkSkipChildren, nil
		}
		if t, ok := n.(*ast.Text); ok {
			buf.Write(t.Segment.Value(md))
			if t.SoftLineBreak() || t.HardLineBreak() {
				buf.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}
		if n.Type() == ast.TypeBlock && n.PreviousSibling() != nil {
			buf.WriteByte('\n')
		}
		return ast.WalkContinue, nil
	})
	flush()
	return out
}
