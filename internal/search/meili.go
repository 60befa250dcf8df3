// Package search adapts an external Meilisearch instance to the catalog's
// Indexer interface. The index only carries searchable text; the catalog
// store stays the source of truth.
package search

import (
	"context"

	"github.com/google/uuid"
	"github.com/meilisearch/meilisearch-go"

	"github.com/ry4nng/sfc-library-sys/internal/models"
)

const booksIndex = "books"

type bookDocument struct {
	ID        string `json:"id"`
	ISBN      string `json:"isbn"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	CourseTag string `json:"course_tag"`
}

// MeiliIndexer indexes books in Meilisearch.
type MeiliIndexer struct {
	client meilisearch.ServiceManager
}

func NewMeiliIndexer(host, apiKey string) *MeiliIndexer {
	return &MeiliIndexer{client: meilisearch.New(host, meilisearch.WithAPIKey(apiKey))}
}

func (m *MeiliIndexer) IndexBook(ctx context.Context, b *models.Book) error {
	doc := bookDocument{
		ID:        b.ID.String(),
		ISBN:      b.ISBN,
		Title:     b.Title,
		Author:    b.Author,
		CourseTag: b.CourseTag,
	}
	_, err := m.client.Index(booksIndex).AddDocumentsWithContext(ctx, []bookDocument{doc})
	return err
}

func (m *MeiliIndexer) RemoveBook(ctx context.Context, id uuid.UUID) error {
	_, err := m.client.Index(booksIndex).DeleteDocumentWithContext(ctx, id.String())
	return err
}

func (m *MeiliIndexer) SearchBooks(ctx context.Context, query string) ([]uuid.UUID, error) {
	resp, err := m.client.Index(booksIndex).SearchWithContext(ctx, query, &meilisearch.SearchRequest{Limit: 20})
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		doc, ok := hit.(map[string]interface{})
		if !ok {
			continue
		}
		raw, ok := doc["id"].(string)
		if !ok {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
