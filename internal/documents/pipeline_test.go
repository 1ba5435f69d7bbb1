package documents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"mindloom/api/internal/assets"
	"mindloom/api/internal/collector"
	"mindloom/api/internal/store"
	"mindloom/api/internal/vectordb"
)

// memStore keeps documents and vector records in maps so tests can
// observe the relational state the pipeline leaves behind.
type memStore struct {
	workspaces       []store.Workspace
	docs             map[string]store.Document
	vectors          map[string][]store.DocumentVector
	insertDocumentFn func(context.Context, store.Document) error
	log              *[]string
}

func newMemStore(workspaces ...store.Workspace) *memStore {
	return &memStore{
		workspaces: workspaces,
		docs:       make(map[string]store.Document),
		vectors:    make(map[string][]store.DocumentVector),
		log:        &[]string{},
	}
}

func (s *memStore) record(call string) {
	*s.log = append(*s.log, call)
}

func docKey(workspaceID, docpath string) string { return workspaceID + "|" + docpath }

func (s *memStore) ListWorkspaces(context.Context) ([]store.Workspace, error) {
	return s.workspaces, nil
}

func (s *memStore) DocumentExists(_ context.Context, workspaceID, docpath string) (bool, error) {
	_, ok := s.docs[docKey(workspaceID, docpath)]
	return ok, nil
}

func (s *memStore) InsertDocument(ctx context.Context, item store.Document) error {
	if s.insertDocumentFn != nil {
		if err := s.insertDocumentFn(ctx, item); err != nil {
			return err
		}
	}
	s.docs[docKey(item.WorkspaceID, item.Docpath)] = item
	return nil
}

func (s *memStore) DeleteDocument(_ context.Context, workspaceID, docpath string) error {
	s.record("store.DeleteDocument " + docpath)
	delete(s.docs, docKey(workspaceID, docpath))
	return nil
}

func (s *memStore) ListDocumentsByDocpath(_ context.Context, docpath string) ([]store.Document, error) {
	var out []store.Document
	for _, doc := range s.docs {
		if doc.Docpath == docpath {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (s *memStore) InsertDocumentVectors(_ context.Context, vectors []store.DocumentVector) error {
	for _, v := range vectors {
		key := docKey(v.WorkspaceID, v.Docpath)
		s.vectors[key] = append(s.vectors[key], v)
	}
	return nil
}

func (s *memStore) VectorIDsForDocument(_ context.Context, workspaceID, docpath string) ([]string, error) {
	var ids []string
	for _, v := range s.vectors[docKey(workspaceID, docpath)] {
		ids = append(ids, v.VectorID)
	}
	return ids, nil
}

func (s *memStore) DeleteVectorsForDocument(_ context.Context, workspaceID, docpath string) error {
	delete(s.vectors, docKey(workspaceID, docpath))
	return nil
}

func (s *memStore) InTransaction(ctx context.Context, fn func(tx Store) error) error {
	return fn(s)
}

type fakeIndex struct {
	failDocpaths   map[string]string
	failNamespaces map[string]string
	log            *[]string
	nextVector     int
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		failDocpaths:   map[string]string{},
		failNamespaces: map[string]string{},
		log:            &[]string{},
	}
}

func (f *fakeIndex) record(call string) {
	*f.log = append(*f.log, call)
}

func (f *fakeIndex) AddDocument(_ context.Context, namespace string, doc vectordb.EmbedDoc) ([]string, error) {
	if reason, ok := f.failDocpaths[doc.Docpath]; ok {
		return nil, fmt.Errorf("%s", reason)
	}
	if reason, ok := f.failNamespaces[namespace]; ok {
		return nil, fmt.Errorf("%s", reason)
	}
	f.record("index.AddDocument " + namespace + " " + doc.Docpath)
	f.nextVector++
	return []string{fmt.Sprintf("vec-%d", f.nextVector)}, nil
}

func (f *fakeIndex) DeleteVectors(_ context.Context, namespace string, vectorIDs []string) error {
	f.record(fmt.Sprintf("index.DeleteVectors %s %d", namespace, len(vectorIDs)))
	return nil
}

func (f *fakeIndex) DeleteNamespace(_ context.Context, namespace string) error {
	f.record("index.DeleteNamespace " + namespace)
	return nil
}

type fakeObjects struct {
	docs      map[string]*assets.NormalizedDocument
	removed   []string
	removeErr error
}

func newFakeObjects(docpaths ...string) *fakeObjects {
	f := &fakeObjects{docs: make(map[string]*assets.NormalizedDocument)}
	for _, docpath := range docpaths {
		f.docs[docpath] = &assets.NormalizedDocument{
			Docpath:     docpath,
			Title:       docpath,
			PageContent: "some document text",
		}
	}
	return f
}

func (f *fakeObjects) GetDocument(_ context.Context, docpath string) (*assets.NormalizedDocument, error) {
	doc, ok := f.docs[docpath]
	if !ok {
		return nil, fmt.Errorf("document %s not found in storage", docpath)
	}
	return doc, nil
}

func (f *fakeObjects) RemoveDocument(_ context.Context, docpath string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, docpath)
	return nil
}

type fakeCollector struct {
	online bool
	result collector.ProcessResult
	err    error
}

func (f *fakeCollector) Online(context.Context) bool { return f.online }

func (f *fakeCollector) ProcessDocument(context.Context, string) (collector.ProcessResult, error) {
	return f.result, f.err
}

func (f *fakeCollector) ProcessLink(context.Context, string) (collector.ProcessResult, error) {
	return f.result, f.err
}

func testWorkspace(id, slug string) store.Workspace {
	return store.Workspace{ID: id, Slug: slug, Name: slug}
}

func TestUploadOfflineCollector(t *testing.T) {
	st := newMemStore()
	p := NewPipeline(st, newFakeIndex(), newFakeObjects(), &fakeCollector{online: false})

	if _, err := p.Upload(context.Background(), "report.pdf"); err != ErrCollectorOffline {
		t.Errorf("expected ErrCollectorOffline, got %v", err)
	}
	if len(st.docs) != 0 {
		t.Error("offline upload must create no records")
	}
}

func TestUploadProcessingFailure(t *testing.T) {
	coll := &fakeCollector{online: true, result: collector.ProcessResult{Success: false, Reason: "unsupported file type"}}
	p := NewPipeline(newMemStore(), newFakeIndex(), newFakeObjects(), coll)

	_, err := p.Upload(context.Background(), "archive.zip")
	if err == nil || err.Error() != "unsupported file type" {
		t.Errorf("expected collector reason surfaced verbatim, got %v", err)
	}
}

func TestAddDocumentsPartialSuccess(t *testing.T) {
	ws := testWorkspace("ws1", "alpha")
	st := newMemStore(ws)
	index := newFakeIndex()
	index.failDocpaths["bad.json"] = "embedding provider rejected input"
	p := NewPipeline(st, index, newFakeObjects("good.json", "bad.json"), &fakeCollector{online: true})

	outcome, err := p.AddDocuments(context.Background(), ws, []string{"good.json", "bad.json"})
	if err != nil {
		t.Fatalf("AddDocuments: %v", err)
	}
	if len(outcome.FailedToEmbed) != 1 || outcome.FailedToEmbed[0] != "bad.json" {
		t.Errorf("expected bad.json in failedToEmbed, got %v", outcome.FailedToEmbed)
	}
	if len(outcome.Errors) != 1 || outcome.Errors[0] != "embedding provider rejected input" {
		t.Errorf("unexpected errors: %v", outcome.Errors)
	}
	if _, ok := st.docs[docKey("ws1", "good.json")]; !ok {
		t.Error("good.json should have a relational record")
	}
	if _, ok := st.docs[docKey("ws1", "bad.json")]; ok {
		t.Error("bad.json must not have a relational record")
	}
}

func TestAddDocumentsRejectsDuplicate(t *testing.T) {
	ws := testWorkspace("ws1", "alpha")
	st := newMemStore(ws)
	p := NewPipeline(st, newFakeIndex(), newFakeObjects("doc.json"), &fakeCollector{online: true})
	ctx := context.Background()

	if outcome, err := p.AddDocuments(ctx, ws, []string{"doc.json"}); err != nil || len(outcome.FailedToEmbed) != 0 {
		t.Fatalf("first add failed: %v %v", outcome, err)
	}

	outcome, err := p.AddDocuments(ctx, ws, []string{"doc.json"})
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if len(outcome.FailedToEmbed) != 1 || outcome.FailedToEmbed[0] != "doc.json" {
		t.Errorf("duplicate must be rejected per path, got %v", outcome)
	}
	if len(st.docs) != 1 {
		t.Errorf("duplicate add must not produce a second record, have %d", len(st.docs))
	}
}

func TestAddDocumentsRollsBackVectorsOnRecordFailure(t *testing.T) {
	ws := testWorkspace("ws1", "alpha")
	st := newMemStore(ws)
	st.insertDocumentFn = func(context.Context, store.Document) error {
		return fmt.Errorf("insert document record: connection reset")
	}
	index := newFakeIndex()
	p := NewPipeline(st, index, newFakeObjects("doc.json"), &fakeCollector{online: true})

	outcome, err := p.AddDocuments(context.Background(), ws, []string{"doc.json"})
	if err != nil {
		t.Fatalf("AddDocuments: %v", err)
	}
	if len(outcome.FailedToEmbed) != 1 {
		t.Fatalf("expected failure reported, got %v", outcome)
	}

	var rolledBack bool
	for _, call := range *index.log {
		if strings.HasPrefix(call, "index.DeleteVectors alpha") {
			rolledBack = true
		}
	}
	if !rolledBack {
		t.Error("expected vectors deleted after record insert failed")
	}
}

func TestRemoveDocumentsOrdering(t *testing.T) {
	ws := testWorkspace("ws1", "alpha")
	log := []string{}
	st := newMemStore(ws)
	st.log = &log
	index := newFakeIndex()
	index.log = &log
	p := NewPipeline(st, index, newFakeObjects("doc.json"), &fakeCollector{online: true})
	ctx := context.Background()

	if _, err := p.AddDocuments(ctx, ws, []string{"doc.json"}); err != nil {
		t.Fatalf("AddDocuments: %v", err)
	}
	if err := p.RemoveDocuments(ctx, ws, []string{"doc.json"}); err != nil {
		t.Fatalf("RemoveDocuments: %v", err)
	}

	if len(st.docs) != 0 || len(st.vectors["ws1|doc.json"]) != 0 {
		t.Error("remove must clear record and vector rows")
	}

	// Index deletion must land before the relational record goes away.
	indexAt, recordAt := -1, -1
	for i, call := range log {
		if strings.HasPrefix(call, "index.DeleteVectors") {
			indexAt = i
		}
		if strings.HasPrefix(call, "store.DeleteDocument") {
			recordAt = i
		}
	}
	if indexAt == -1 || recordAt == -1 || indexAt >= recordAt {
		t.Errorf("vectors must be deleted before the relational record (log %v)", log)
	}
}

func TestPurgeRemovesEverywhereThenObject(t *testing.T) {
	wsA := testWorkspace("ws1", "alpha")
	wsB := testWorkspace("ws2", "beta")
	st := newMemStore(wsA, wsB)
	objects := newFakeObjects("shared.json")
	p := NewPipeline(st, newFakeIndex(), objects, &fakeCollector{online: true})
	ctx := context.Background()

	for _, ws := range []store.Workspace{wsA, wsB} {
		if _, err := p.AddDocuments(ctx, ws, []string{"shared.json"}); err != nil {
			t.Fatalf("AddDocuments %s: %v", ws.Slug, err)
		}
	}

	if err := p.Purge(ctx, "shared.json"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if len(st.docs) != 0 {
		t.Errorf("purge must remove records from all workspaces, %d left", len(st.docs))
	}
	if len(objects.removed) != 1 || objects.removed[0] != "shared.json" {
		t.Errorf("expected object removed, got %v", objects.removed)
	}
}

func TestPurgeObjectCleanupBestEffort(t *testing.T) {
	ws := testWorkspace("ws1", "alpha")
	st := newMemStore(ws)
	objects := newFakeObjects("doc.json")
	objects.removeErr = fmt.Errorf("bucket unavailable")
	p := NewPipeline(st, newFakeIndex(), objects, &fakeCollector{online: true})
	ctx := context.Background()

	if _, err := p.AddDocuments(ctx, ws, []string{"doc.json"}); err != nil {
		t.Fatalf("AddDocuments: %v", err)
	}
	if err := p.Purge(ctx, "doc.json"); err != nil {
		t.Errorf("object cleanup failure must not fail the purge: %v", err)
	}
	if len(st.docs) != 0 {
		t.Error("relational record must still be gone")
	}
}

func TestSyncAllIsolatesWorkspaceFailures(t *testing.T) {
	wsA := testWorkspace("ws1", "alpha")
	wsB := testWorkspace("ws2", "beta")
	st := newMemStore(wsA, wsB)
	index := newFakeIndex()
	index.failNamespaces["beta"] = "embedding provider timeout"
	p := NewPipeline(st, index, newFakeObjects("new.json"), &fakeCollector{online: true})

	outcome, err := p.SyncAll(context.Background(), []string{"new.json"}, nil)
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	if len(outcome.Successes) != 1 || outcome.Successes[0] != "alpha" {
		t.Errorf("expected alpha to succeed, got %v", outcome.Successes)
	}
	if len(outcome.Failures) != 1 || outcome.Failures[0].Workspace != "beta" {
		t.Fatalf("expected beta failure, got %v", outcome.Failures)
	}
	if len(outcome.Failures[0].FailedDocs) != 1 || outcome.Failures[0].FailedDocs[0] != "new.json" {
		t.Errorf("unexpected failed docs: %v", outcome.Failures[0].FailedDocs)
	}
	if len(outcome.Errors) != 1 || outcome.Errors[0] != "embedding provider timeout" {
		t.Errorf("unexpected error set: %v", outcome.Errors)
	}

	if _, ok := st.docs[docKey("ws1", "new.json")]; !ok {
		t.Error("alpha's add must be visible")
	}
	if _, ok := st.docs[docKey("ws2", "new.json")]; ok {
		t.Error("beta's add must not be visible")
	}
}

func TestSyncAllDeletesBeforeAdds(t *testing.T) {
	ws := testWorkspace("ws1", "alpha")
	st := newMemStore(ws)
	index := newFakeIndex()
	objects := newFakeObjects("old.json", "old.json-v2")
	p := NewPipeline(st, index, objects, &fakeCollector{online: true})
	ctx := context.Background()

	if _, err := p.AddDocuments(ctx, ws, []string{"old.json"}); err != nil {
		t.Fatalf("seed add: %v", err)
	}

	outcome, err := p.SyncAll(ctx, []string{"old.json-v2"}, []string{"old.json"})
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if len(outcome.Failures) != 0 {
		t.Fatalf("unexpected failures: %v", outcome.Failures)
	}
	if _, ok := st.docs[docKey("ws1", "old.json")]; ok {
		t.Error("deleted docpath still present")
	}
	if _, ok := st.docs[docKey("ws1", "old.json-v2")]; !ok {
		t.Error("added docpath missing")
	}
}

func TestAddDocumentsCleanOutcomeMarshalsEmptyArrays(t *testing.T) {
	ws := testWorkspace("ws1", "alpha")
	st := newMemStore(ws)
	p := NewPipeline(st, newFakeIndex(), newFakeObjects("doc.json"), &fakeCollector{online: true})

	outcome, err := p.AddDocuments(context.Background(), ws, []string{"doc.json"})
	if err != nil {
		t.Fatalf("AddDocuments: %v", err)
	}
	if outcome.FailedToEmbed == nil || outcome.Errors == nil {
		t.Fatal("outcome slices must be non-nil")
	}

	payload, err := json.Marshal(outcome)
	if err != nil {
		t.Fatalf("marshal outcome: %v", err)
	}
	if string(payload) != `{"failedToEmbed":[],"errors":[]}` {
		t.Errorf("unexpected payload %s", payload)
	}
}
