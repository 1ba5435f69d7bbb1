package vectordb

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"mindloom/api/internal/util"
)

// Meili implements VectorIndex on Meilisearch, one index per namespace with
// user-provided vectors. Chunk embedding is delegated to an Embedder.
type Meili struct {
	client   meili.ServiceManager
	embedder Embedder
	healthy  atomic.Bool
	done     chan struct{}
}

func NewMeili(url, apiKey string, embedder Embedder) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client:   client,
		embedder: embedder,
		done:     make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("vectordb: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
	}

	go m.healthLoop()
	return m
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			m.healthy.Store(err == nil)
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func indexUID(namespace string) string {
	return "ws_" + namespace
}

// chunkRecord is what we store per embedded chunk. The _vectors field uses
// Meilisearch's user-provided embedder slot.
type chunkRecord struct {
	ID      string                 `json:"id"`
	Docpath string                 `json:"docpath"`
	Title   string                 `json:"title"`
	Chunk   string                 `json:"chunk"`
	Vectors map[string][][]float64 `json:"_vectors,omitempty"`
}

func (m *Meili) ensureIndex(namespace string) meili.IndexManager {
	uid := indexUID(namespace)
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        uid,
		PrimaryKey: "id",
	}); err != nil {
		// Already-exists is the common case and is fine.
		log.Printf("vectordb: create index %s: %v", uid, err)
	}
	return m.client.Index(uid)
}

func (m *Meili) AddDocument(ctx context.Context, namespace string, doc EmbedDoc) ([]string, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("vector index unavailable")
	}

	chunks := splitChunks(doc.Text)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("document %s has no embeddable content", doc.Docpath)
	}

	embeddings, err := m.embedder.Embed(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("embed %s: %w", doc.Docpath, err)
	}

	records := make([]chunkRecord, len(chunks))
	vectorIDs := make([]string, len(chunks))
	for i, chunk := range chunks {
		vectorIDs[i] = util.NewID("vec")
		records[i] = chunkRecord{
			ID:      vectorIDs[i],
			Docpath: doc.Docpath,
			Title:   doc.Title,
			Chunk:   chunk,
			Vectors: map[string][][]float64{"default": {embeddings[i]}},
		}
	}

	index := m.ensureIndex(namespace)
	if _, err := index.AddDocuments(records, nil); err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("index %s: %w", doc.Docpath, err)
	}
	return vectorIDs, nil
}

func (m *Meili) DeleteVectors(ctx context.Context, namespace string, vectorIDs []string) error {
	if len(vectorIDs) == 0 {
		return nil
	}
	index := m.client.Index(indexUID(namespace))
	for _, id := range vectorIDs {
		if _, err := index.DeleteDocument(id, nil); err != nil {
			return fmt.Errorf("delete vector %s: %w", id, err)
		}
	}
	return nil
}

func (m *Meili) DeleteNamespace(ctx context.Context, namespace string) error {
	if _, err := m.client.DeleteIndex(indexUID(namespace)); err != nil {
		return fmt.Errorf("delete namespace %s: %w", namespace, err)
	}
	return nil
}
