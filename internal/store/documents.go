package store

import (
	"context"
	"fmt"
)

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	metadata := item.Metadata
	if metadata == "" {
		metadata = "{}"
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO workspace_documents (id, workspace_id, docpath, filename, pinned, metadata)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	`, item.ID, item.WorkspaceID, item.Docpath, item.Filename, item.Pinned, metadata)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, workspaceID, docpath string) (Document, error) {
	var item Document
	err := s.q.QueryRowContext(ctx, `
		SELECT id, workspace_id, docpath, filename, pinned, metadata::text, created_at
		FROM workspace_documents
		WHERE workspace_id=$1 AND docpath=$2
	`, workspaceID, docpath).Scan(&item.ID, &item.WorkspaceID, &item.Docpath, &item.Filename, &item.Pinned, &item.Metadata, &item.CreatedAt)
	if err != nil {
		return Document{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, workspaceID string) ([]Document, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, workspace_id, docpath, filename, pinned, metadata::text, created_at
		FROM workspace_documents
		WHERE workspace_id=$1
		ORDER BY created_at ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		if err := rows.Scan(&item.ID, &item.WorkspaceID, &item.Docpath, &item.Filename, &item.Pinned, &item.Metadata, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

// ListDocumentsByDocpath finds the document in every workspace that embedded
// the given content location. Used by purge.
func (s *PostgresStore) ListDocumentsByDocpath(ctx context.Context, docpath string) ([]Document, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, workspace_id, docpath, filename, pinned, metadata::text, created_at
		FROM workspace_documents
		WHERE docpath=$1
	`, docpath)
	if err != nil {
		return nil, fmt.Errorf("list documents by docpath: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		if err := rows.Scan(&item.ID, &item.WorkspaceID, &item.Docpath, &item.Filename, &item.Pinned, &item.Metadata, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DocumentExists(ctx context.Context, workspaceID, docpath string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM workspace_documents WHERE workspace_id=$1 AND docpath=$2)
	`, workspaceID, docpath).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check document: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) UpdateDocumentPinned(ctx context.Context, documentID string, pinned bool) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE workspace_documents SET pinned=$2 WHERE id=$1
	`, documentID, pinned)
	if err != nil {
		return fmt.Errorf("update document pin: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, workspaceID, docpath string) error {
	_, err := s.q.ExecContext(ctx, `
		DELETE FROM workspace_documents WHERE workspace_id=$1 AND docpath=$2
	`, workspaceID, docpath)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocumentsForWorkspace(ctx context.Context, workspaceID string) error {
	_, err := s.q.ExecContext(ctx, `
		DELETE FROM workspace_documents WHERE workspace_id=$1
	`, workspaceID)
	if err != nil {
		return fmt.Errorf("delete workspace documents: %w", err)
	}
	return nil
}

// ---- document vectors ----

func (s *PostgresStore) InsertDocumentVectors(ctx context.Context, vectors []DocumentVector) error {
	for _, v := range vectors {
		if _, err := s.q.ExecContext(ctx, `
			INSERT INTO document_vectors (id, workspace_id, docpath, vector_id)
			VALUES ($1, $2, $3, $4)
		`, v.ID, v.WorkspaceID, v.Docpath, v.VectorID); err != nil {
			return fmt.Errorf("insert document vector: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) VectorIDsForDocument(ctx context.Context, workspaceID, docpath string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT vector_id FROM document_vectors WHERE workspace_id=$1 AND docpath=$2
	`, workspaceID, docpath)
	if err != nil {
		return nil, fmt.Errorf("list vector ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan vector id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vector ids: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) DeleteVectorsForDocument(ctx context.Context, workspaceID, docpath string) error {
	_, err := s.q.ExecContext(ctx, `
		DELETE FROM document_vectors WHERE workspace_id=$1 AND docpath=$2
	`, workspaceID, docpath)
	if err != nil {
		return fmt.Errorf("delete document vectors: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteVectorsForWorkspace(ctx context.Context, workspaceID string) error {
	_, err := s.q.ExecContext(ctx, `
		DELETE FROM document_vectors WHERE workspace_id=$1
	`, workspaceID)
	if err != nil {
		return fmt.Errorf("delete workspace vectors: %w", err)
	}
	return nil
}
