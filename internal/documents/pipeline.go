// Package documents drives the ingestion pipeline: it moves normalized
// documents from object storage into the vector index and the relational
// store, and keeps the two in step through removals and bulk sync.
package documents

import (
	"context"
	"fmt"
	"log"
	"sort"

	"mindloom/api/internal/assets"
	"mindloom/api/internal/collector"
	"mindloom/api/internal/store"
	"mindloom/api/internal/util"
	"mindloom/api/internal/vectordb"
)

// Store is the slice of the relational layer the pipeline touches. The
// InTransaction variant hands back a Store whose mutations commit or roll
// back together.
type Store interface {
	ListWorkspaces(ctx context.Context) ([]store.Workspace, error)
	DocumentExists(ctx context.Context, workspaceID, docpath string) (bool, error)
	InsertDocument(ctx context.Context, item store.Document) error
	DeleteDocument(ctx context.Context, workspaceID, docpath string) error
	ListDocumentsByDocpath(ctx context.Context, docpath string) ([]store.Document, error)
	InsertDocumentVectors(ctx context.Context, vectors []store.DocumentVector) error
	VectorIDsForDocument(ctx context.Context, workspaceID, docpath string) ([]string, error)
	DeleteVectorsForDocument(ctx context.Context, workspaceID, docpath string) error
	InTransaction(ctx context.Context, fn func(tx Store) error) error
}

// Objects reads and removes normalized documents in object storage.
type Objects interface {
	GetDocument(ctx context.Context, docpath string) (*assets.NormalizedDocument, error)
	RemoveDocument(ctx context.Context, docpath string) error
}

// Collector is the external document processor.
type Collector interface {
	Online(ctx context.Context) bool
	ProcessDocument(ctx context.Context, filename string) (collector.ProcessResult, error)
	ProcessLink(ctx context.Context, link string) (collector.ProcessResult, error)
}

// ErrCollectorOffline is returned when the processor cannot be reached;
// no records are created in that case.
var ErrCollectorOffline = fmt.Errorf("document processor is offline")

// Pipeline owns document ingestion and removal for all workspaces.
type Pipeline struct {
	store     Store
	index     vectordb.VectorIndex
	objects   Objects
	collector Collector
}

func NewPipeline(st Store, index vectordb.VectorIndex, objects Objects, coll Collector) *Pipeline {
	return &Pipeline{store: st, index: index, objects: objects, collector: coll}
}

// EmbedOutcome reports the per-path failures of an add. A non-empty
// outcome with some paths missing from FailedToEmbed is a partial
// success, which is a valid terminal state.
type EmbedOutcome struct {
	FailedToEmbed []string `json:"failedToEmbed"`
	Errors        []string `json:"errors"`
}

func (o *EmbedOutcome) fail(docpath, reason string) {
	o.FailedToEmbed = append(o.FailedToEmbed, docpath)
	o.Errors = append(o.Errors, reason)
}

// Upload submits a raw file to the collector. The returned documents are
// normalized files ready for AddDocuments.
func (p *Pipeline) Upload(ctx context.Context, filename string) ([]collector.ProcessedDocument, error) {
	if !p.collector.Online(ctx) {
		return nil, ErrCollectorOffline
	}
	result, err := p.collector.ProcessDocument(ctx, filename)
	if err != nil {
		return nil, fmt.Errorf("process document: %w", err)
	}
	if !result.Success {
		return nil, fmt.Errorf("%s", result.Reason)
	}
	return result.Documents, nil
}

// UploadLink submits a URL to the collector.
func (p *Pipeline) UploadLink(ctx context.Context, link string) ([]collector.ProcessedDocument, error) {
	if !p.collector.Online(ctx) {
		return nil, ErrCollectorOffline
	}
	result, err := p.collector.ProcessLink(ctx, link)
	if err != nil {
		return nil, fmt.Errorf("process link: %w", err)
	}
	if !result.Success {
		return nil, fmt.Errorf("%s", result.Reason)
	}
	return result.Documents, nil
}

// AddDocuments embeds each docpath into the workspace namespace and
// records it relationally. A docpath already present in the workspace is
// rejected for that path only; duplicate submission is a caller error,
// not a merge.
func (p *Pipeline) AddDocuments(ctx context.Context, workspace store.Workspace, docpaths []string) (EmbedOutcome, error) {
	return p.addDocuments(ctx, p.store, workspace, docpaths)
}

func (p *Pipeline) addDocuments(ctx context.Context, st Store, workspace store.Workspace, docpaths []string) (EmbedOutcome, error) {
	// Slices start non-nil so the outcome serializes as empty arrays.
	outcome := EmbedOutcome{FailedToEmbed: []string{}, Errors: []string{}}
	for _, docpath := range docpaths {
		exists, err := st.DocumentExists(ctx, workspace.ID, docpath)
		if err != nil {
			return outcome, fmt.Errorf("check document: %w", err)
		}
		if exists {
			outcome.fail(docpath, fmt.Sprintf("%s is already embedded in this workspace", docpath))
			continue
		}

		doc, err := p.objects.GetDocument(ctx, docpath)
		if err != nil {
			outcome.fail(docpath, err.Error())
			continue
		}

		vectorIDs, err := p.index.AddDocument(ctx, workspace.Slug, vectordb.EmbedDoc{
			Docpath: docpath,
			Title:   doc.Title,
			Text:    doc.PageContent,
		})
		if err != nil {
			outcome.fail(docpath, err.Error())
			continue
		}

		if err := p.recordDocument(ctx, st, workspace, docpath, doc, vectorIDs); err != nil {
			// The vectors exist but the record does not. Pull them back
			// out so search never sees a recordless document.
			if delErr := p.index.DeleteVectors(ctx, workspace.Slug, vectorIDs); delErr != nil {
				log.Printf("vector rollback for %s in %s failed: %v", docpath, workspace.Slug, delErr)
			}
			outcome.fail(docpath, err.Error())
		}
	}
	return outcome, nil
}

func (p *Pipeline) recordDocument(ctx context.Context, st Store, workspace store.Workspace, docpath string, doc *assets.NormalizedDocument, vectorIDs []string) error {
	item := store.Document{
		ID:          util.NewID("doc"),
		WorkspaceID: workspace.ID,
		Docpath:     docpath,
		Filename:    doc.Title,
	}
	if err := st.InsertDocument(ctx, item); err != nil {
		return fmt.Errorf("insert document record: %w", err)
	}

	vectors := make([]store.DocumentVector, 0, len(vectorIDs))
	for _, vid := range vectorIDs {
		vectors = append(vectors, store.DocumentVector{
			ID:          util.NewID("dv"),
			WorkspaceID: workspace.ID,
			Docpath:     docpath,
			VectorID:    vid,
		})
	}
	if err := st.InsertDocumentVectors(ctx, vectors); err != nil {
		return fmt.Errorf("insert vector records: %w", err)
	}
	return nil
}

// RemoveDocuments deletes each docpath from the workspace. Vectors go
// first, the relational record second, so a crash between the two never
// leaves an indexed document without a record.
func (p *Pipeline) RemoveDocuments(ctx context.Context, workspace store.Workspace, docpaths []string) error {
	return p.removeDocuments(ctx, p.store, workspace, docpaths)
}

func (p *Pipeline) removeDocuments(ctx context.Context, st Store, workspace store.Workspace, docpaths []string) error {
	for _, docpath := range docpaths {
		vectorIDs, err := st.VectorIDsForDocument(ctx, workspace.ID, docpath)
		if err != nil {
			return fmt.Errorf("resolve vectors for %s: %w", docpath, err)
		}
		if len(vectorIDs) > 0 {
			if err := p.index.DeleteVectors(ctx, workspace.Slug, vectorIDs); err != nil {
				return fmt.Errorf("delete vectors for %s: %w", docpath, err)
			}
		}
		if err := st.DeleteVectorsForDocument(ctx, workspace.ID, docpath); err != nil {
			return fmt.Errorf("delete vector records for %s: %w", docpath, err)
		}
		if err := st.DeleteDocument(ctx, workspace.ID, docpath); err != nil {
			return fmt.Errorf("delete document record for %s: %w", docpath, err)
		}
	}
	return nil
}

// Purge removes a docpath from every workspace that embedded it, then
// deletes the underlying object. Object cleanup is best-effort; the
// relational and index state is what matters.
func (p *Pipeline) Purge(ctx context.Context, docpath string) error {
	records, err := p.store.ListDocumentsByDocpath(ctx, docpath)
	if err != nil {
		return fmt.Errorf("list documents for purge: %w", err)
	}

	workspaces, err := p.store.ListWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("list workspaces: %w", err)
	}
	slugs := make(map[string]string, len(workspaces))
	for _, ws := range workspaces {
		slugs[ws.ID] = ws.Slug
	}

	for _, record := range records {
		ws := store.Workspace{ID: record.WorkspaceID, Slug: slugs[record.WorkspaceID]}
		if err := p.removeDocuments(ctx, p.store, ws, []string{docpath}); err != nil {
			return err
		}
	}

	if err := p.objects.RemoveDocument(ctx, docpath); err != nil {
		log.Printf("object cleanup for %s failed: %v", docpath, err)
	}
	return nil
}

// WorkspaceFailure names one workspace the synchronizer could not fully
// bring up to date, with the reason.
type WorkspaceFailure struct {
	Workspace  string   `json:"workspace"`
	FailedDocs []string `json:"failedDocs,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// SyncOutcome is the authoritative per-workspace record of a SyncAll
// run, valid regardless of whether the enclosing transaction committed.
type SyncOutcome struct {
	Successes []string           `json:"successes"`
	Failures  []WorkspaceFailure `json:"failures"`
	Errors    []string           `json:"errors"`
}

// SyncAll applies the same delete and add set to every workspace.
// Relational mutations share one transaction; embedding and vector
// deletion are external side effects that a rollback cannot undo. One
// workspace failing never aborts the others.
func (p *Pipeline) SyncAll(ctx context.Context, adds, deletes []string) (SyncOutcome, error) {
	outcome := SyncOutcome{Successes: []string{}, Failures: []WorkspaceFailure{}}
	errorSet := make(map[string]struct{})

	workspaces, err := p.store.ListWorkspaces(ctx)
	if err != nil {
		return outcome, fmt.Errorf("list workspaces: %w", err)
	}

	txErr := p.store.InTransaction(ctx, func(tx Store) error {
		for _, ws := range workspaces {
			if err := p.removeDocuments(ctx, tx, ws, deletes); err != nil {
				outcome.Failures = append(outcome.Failures, WorkspaceFailure{Workspace: ws.Slug, Error: err.Error()})
				errorSet[err.Error()] = struct{}{}
				continue
			}

			embed, err := p.addDocuments(ctx, tx, ws, adds)
			if err != nil {
				outcome.Failures = append(outcome.Failures, WorkspaceFailure{Workspace: ws.Slug, Error: err.Error()})
				errorSet[err.Error()] = struct{}{}
				continue
			}
			if len(embed.FailedToEmbed) > 0 {
				outcome.Failures = append(outcome.Failures, WorkspaceFailure{Workspace: ws.Slug, FailedDocs: embed.FailedToEmbed})
				for _, reason := range embed.Errors {
					errorSet[reason] = struct{}{}
				}
				continue
			}

			outcome.Successes = append(outcome.Successes, ws.Slug)
		}
		return nil
	})

	outcome.Errors = make([]string, 0, len(errorSet))
	for reason := range errorSet {
		outcome.Errors = append(outcome.Errors, reason)
	}
	sort.Strings(outcome.Errors)

	if txErr != nil {
		return outcome, fmt.Errorf("sync transaction: %w", txErr)
	}
	return outcome, nil
}
