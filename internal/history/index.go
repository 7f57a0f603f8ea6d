// Package history provides full text search over past chats.
package history

import (
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/ChamsBouzaiene/codabra/internal/chat"
)

// DefaultLimit is the number of hits returned when k is not positive.
const DefaultLimit = 20

// Result is one search hit.
type Result struct {
	ChatID string
	Title  string
	Score  float64
}

// Index is an in-memory BM25 index of chat titles and message text.
type Index struct {
	mu      sync.Mutex
	index   bleve.Index
	indexed map[string]int64 // chat id -> UpdatedAt at indexing time
}

// NewIndex creates an empty in-memory index.
func NewIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create history index: %w", err)
	}
	return &Index{index: idx, indexed: make(map[string]int64)}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	chatMapping := bleve.NewDocumentMapping()

	idField := bleve.NewTextFieldMapping()
	idField.Analyzer = keyword.Name
	idField.Store = true
	chatMapping.AddFieldMappingsAt("chat_id", idField)

	titleField := bleve.NewTextFieldMapping()
	titleField.Analyzer = standard.Name
	titleField.Store = true
	chatMapping.AddFieldMappingsAt("title", titleField)

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	textField.Store = false
	chatMapping.AddFieldMappingsAt("text", textField)

	indexMapping.DefaultMapping = chatMapping
	return indexMapping
}

// Sync brings the index in line with chats. Chats whose UpdatedAt changed
// are re-indexed and chats no longer present are removed.
func (x *Index) Sync(chats []chat.Chat) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	batch := x.index.NewBatch()
	seen := make(map[string]int64, len(chats))
	for i := range chats {
		c := &chats[i]
		seen[c.ID] = c.UpdatedAt
		if at, ok := x.indexed[c.ID]; ok && at == c.UpdatedAt {
			continue
		}
		if err := batch.Index(c.ID, document(c)); err != nil {
			return fmt.Errorf("index chat %s: %w", c.ID, err)
		}
	}
	for id := range x.indexed {
		if _, ok := seen[id]; !ok {
			batch.Delete(id)
		}
	}

	if batch.Size() > 0 {
		if err := x.index.Batch(batch); err != nil {
			return fmt.Errorf("history batch failed: %w", err)
		}
	}
	x.indexed = seen
	return nil
}

func document(c *chat.Chat) map[string]interface{} {
	var text strings.Builder
	for _, msg := range c.Messages {
		text.WriteString(msg.Content)
		text.WriteByte('\n')
	}
	return map[string]interface{}{
		"chat_id": c.ID,
		"title":   c.Title,
		"text":    text.String(),
	}
}

// Search returns up to k chats matching query, best first.
func (x *Index) Search(query string, k int) ([]Result, error) {
	if k <= 0 {
		k = DefaultLimit
	}

	titleQuery := bleve.NewMatchQuery(query)
	titleQuery.SetField("title")
	titleQuery.SetBoost(2)
	textQuery := bleve.NewMatchQuery(query)
	textQuery.SetField("text")

	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(titleQuery, textQuery))
	req.Size = k
	req.Fields = []string{"title"}

	x.mu.Lock()
	res, err := x.index.Search(req)
	x.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("history search failed: %w", err)
	}

	results := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		r := Result{ChatID: hit.ID, Score: hit.Score}
		if title, ok := hit.Fields["title"].(string); ok {
			r.Title = title
		}
		results = append(results, r)
	}
	return results, nil
}

// Len returns the number of indexed chats.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.indexed)
}

// Close closes the index.
func (x *Index) Close() error {
	return x.index.Close()
}
