// Package prompt assembles the system prompt from a static instruction
// block plus the knowledge-base documents, and versions it so a
// refresh starts fresh conversation lineages without touching old ones.
package prompt

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"

	"github.com/maxvaega/serverless-AIR-coach/internal/httpkit"
)

// Doc is one knowledge-base document.
type Doc struct {
	Name     string
	Title    string
	Content  string
	Modified time.Time
}

// DocSource fetches the current knowledge-base documents.
type DocSource interface {
	Fetch(ctx context.Context) ([]Doc, error)
}

// DirSource reads markdown documents from a local directory. Files are
// returned in name order so the assembled prompt is deterministic.
type DirSource struct {
	Dir string
}

func (s DirSource) Fetch(ctx context.Context) ([]Doc, error) {
	names, err := filepath.Glob(filepath.Join(s.Dir, "*.md"))
	if err != nil {
		return nil, fmt.Errorf("list documents in %s: %w", s.Dir, err)
	}
	sort.Strings(names)

	var docs []Doc
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read document %s: %w", name, err)
		}
		info, err := os.Stat(name)
		if err != nil {
			return nil, fmt.Errorf("stat document %s: %w", name, err)
		}
		content := string(data)
		docs = append(docs, Doc{
			Name:     filepath.Base(name),
			Title:    docTitle(content, filepath.Base(name)),
			Content:  content,
			Modified: info.ModTime(),
		})
	}
	return docs, nil
}

// HTTPSource fetches a single combined markdown document over HTTP.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

func (s HTTPSource) Fetch(ctx context.Context) ([]Doc, error) {
	client := s.Client
	if client == nil {
		client = httpkit.NewClient()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build knowledge request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch knowledge base: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch knowledge base: %s: %s",
			resp.Status, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read knowledge base: %w", err)
	}

	content := string(data)
	name := filepath.Base(s.URL)
	return []Doc{{
		Name:     name,
		Title:    docTitle(content, name),
		Content:  content,
		Modified: time.Now(),
	}}, nil
}

// docTitle returns the text of the first markdown heading, falling
// back to the file name when the document has none.
func docTitle(content, fallback string) string {
	source := []byte(content)
	root := goldmark.DefaultParser().Parse(gmtext.NewReader(source))

	var title string
	ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if h, ok := n.(*ast.Heading); ok {
			var buf bytes.Buffer
			for c := h.FirstChild(); c != nil; c = c.NextSibling() {
				if t, ok := c.(*ast.Text); ok {
					buf.Write(t.Segment.Value(source))
				}
			}
			title = strings.TrimSpace(buf.String())
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})

	if title == "" {
		return strings.TrimSuffix(fallback, filepath.Ext(fallback))
	}
	return title
}
