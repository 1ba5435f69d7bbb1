package vectordb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitChunksParagraphs(t *testing.T) {
	text := "first paragraph\n\nsecond paragraph\n\n\n\nthird"
	chunks := splitChunks(text)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %v", len(chunks), chunks)
	}
	if chunks[0] != "first paragraph" || chunks[2] != "third" {
		t.Errorf("unexpected chunks: %v", chunks)
	}
}

func TestSplitChunksLongParagraph(t *testing.T) {
	text := strings.Repeat("word ", 600)
	chunks := splitChunks(text)
	if len(chunks) < 2 {
		t.Fatalf("expected long paragraph to be split, got %d chunks", len(chunks))
	}
	for _, chunk := range chunks {
		if len(chunk) > maxChunkLen {
			t.Errorf("chunk exceeds max length: %d", len(chunk))
		}
	}
}

func TestSplitChunksSpacelessTextKeepsRunesIntact(t *testing.T) {
	text := strings.Repeat("知识工作区平台", 100)
	chunks := splitChunks(text)
	if len(chunks) < 2 {
		t.Fatalf("expected spaceless text to be split, got %d chunks", len(chunks))
	}
	for i, chunk := range chunks {
		if !utf8.ValidString(chunk) {
			t.Errorf("chunk %d is not valid UTF-8", i)
		}
		if len(chunk) > maxChunkLen {
			t.Errorf("chunk %d exceeds max length: %d", i, len(chunk))
		}
	}
	if strings.Join(chunks, "") != text {
		t.Error("rejoined chunks should reproduce the input")
	}
}

func TestSplitChunksEmpty(t *testing.T) {
	if got := splitChunks("  \n\n \n\n"); len(got) != 0 {
		t.Errorf("expected no chunks, got %v", got)
	}
}

func TestHTTPEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "test-model" {
			t.Errorf("unexpected model %q", req.Model)
		}
		out := make([][]float64, len(req.Input))
		for i := range out {
			out[i] = []float64{0.1, 0.2}
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: out})
	}))
	defer srv.Close()

	embedder := NewHTTPEmbedder(srv.URL, "test-model")
	vectors, err := embedder.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vectors) != 2 {
		t.Errorf("expected 2 vectors, got %d", len(vectors))
	}
}

func TestHTTPEmbedderCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float64{{0.1}}})
	}))
	defer srv.Close()

	if _, err := NewHTTPEmbedder(srv.URL, "m").Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Error("expected error on vector count mismatch")
	}
}

func TestHTTPEmbedderProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(embedResponse{Error: "model overloaded"})
	}))
	defer srv.Close()

	_, err := NewHTTPEmbedder(srv.URL, "m").Embed(context.Background(), []string{"a"})
	if err == nil || !strings.Contains(err.Error(), "model overloaded") {
		t.Errorf("expected provider error surfaced, got %v", err)
	}
}
