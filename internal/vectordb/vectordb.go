// Package vectordb wraps the embedding index behind a namespace-scoped
// contract. One namespace corresponds to one workspace slug; losing a
// namespace is a cleanup concern, never a correctness one, so namespace
// deletion failures are reported but expected to be swallowed by callers.
package vectordb

import (
	"context"
	"strings"
	"unicode/utf8"
)

// EmbedDoc is one normalized document ready to be chunked and embedded.
type EmbedDoc struct {
	Docpath string
	Title   string
	Text    string
}

// VectorIndex is the contract the ingestion pipeline and synchronizer use.
type VectorIndex interface {
	// AddDocument embeds and indexes one document into the namespace,
	// returning the ids of the vectors it created.
	AddDocument(ctx context.Context, namespace string, doc EmbedDoc) ([]string, error)
	// DeleteVectors removes previously created vectors from the namespace.
	DeleteVectors(ctx context.Context, namespace string, vectorIDs []string) error
	// DeleteNamespace drops the namespace and everything in it.
	DeleteNamespace(ctx context.Context, namespace string) error
}

// Embedder turns text chunks into vectors. Implementations call an external
// embedding provider.
type Embedder interface {
	Embed(ctx context.Context, chunks []string) ([][]float64, error)
}

const maxChunkLen = 1000

// splitChunks breaks text into embedding-sized pieces, preferring paragraph
// boundaries and hard-wrapping anything longer than maxChunkLen.
func splitChunks(text string) []string {
	var chunks []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		for len(para) > maxChunkLen {
			cut := strings.LastIndex(para[:maxChunkLen], " ")
			if cut <= 0 {
				// No space to break on. Back up so the hard wrap
				// never lands inside a multi-byte rune.
				cut = maxChunkLen
				for cut > 0 && !utf8.RuneStart(para[cut]) {
					cut--
				}
				if cut == 0 {
					cut = maxChunkLen
				}
			}
			chunks = append(chunks, strings.TrimSpace(para[:cut]))
			para = strings.TrimSpace(para[cut:])
		}
		if para != "" {
			chunks = append(chunks, para)
		}
	}
	return chunks
}
